package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Params holds 1-indexed pagination parameters extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// FromContext extracts page and page_size from the echo context. Missing or
// invalid values fall back to page 1 and defaultSize.
func FromContext(c echo.Context, defaultSize int) Params {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}

	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size <= 0 {
		size = defaultSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	return Params{Page: page, PageSize: size}
}

// Offset returns the index of the first item on the page.
func (p Params) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// HasNext returns true if there are pages after the current one.
func (p Params) HasNext(total int) bool {
	return p.Page < TotalPages(total, p.PageSize)
}

// HasPrevious returns true if the current page is not the first.
func (p Params) HasPrevious() bool {
	return p.Page > 1
}

// TotalPages returns ceil(total/size), or 0 when size is not positive.
func TotalPages(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Paginate returns the items on the given 1-indexed page and the total page
// count. A page outside [1, totalPages] yields an empty slice; clamping is
// left to the caller.
func Paginate[T any](items []T, page, size int) ([]T, int) {
	total := TotalPages(len(items), size)
	if total == 0 || page < 1 || page > total {
		return []T{}, total
	}
	start := (page - 1) * size
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], total
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:       data,
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: TotalPages(total, p.PageSize),
		HasMore:    p.HasNext(total),
	}
}
