package onboarding

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// MaxImageSize is the largest profile image accepted (5 MB).
const MaxImageSize = 5 * 1024 * 1024

// AllowedImageTypes lists the profile image MIME types accepted.
var AllowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// formFields maps multipart field names to the backend's JSON keys for values
// that are passed through untouched.
var formFields = map[string]string{
	"title":       "title",
	"department":  "department",
	"designation": "designation",
}

type Handler struct {
	exec *Executor
}

func NewHandler(exec *Executor) *Handler {
	return &Handler{exec: exec}
}

// RegisterRoutes mounts the submit route. Extra middleware, such as a rate
// limit, applies to it alone.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.POST("/onboarding", h.Submit, mw...)
}

type failedResponse struct {
	Error  string  `json:"error"`
	Result *Result `json:"result"`
}

func (h *Handler) Submit(c echo.Context) error {
	draft, err := draftFromForm(c)
	if err != nil {
		var herr *echo.HTTPError
		if errors.As(err, &herr) {
			return herr
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := draft.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.exec.Submit(c.Request().Context(), draft, nil)
	if err != nil {
		var cerr *CreateError
		switch {
		case errors.As(err, &cerr):
			return c.JSON(http.StatusBadGateway, failedResponse{Error: cerr.Message, Result: res})
		case errors.Is(err, ErrInFlight):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, res)
}

func draftFromForm(c echo.Context) (Draft, error) {
	d := Draft{
		Email:     strings.TrimSpace(c.FormValue("email")),
		FirstName: strings.TrimSpace(c.FormValue("first_name")),
		LastName:  strings.TrimSpace(c.FormValue("last_name")),
		Phone:     strings.TrimSpace(c.FormValue("phone")),
		Role:      strings.TrimSpace(c.FormValue("role")),
	}
	for field, key := range formFields {
		if v := strings.TrimSpace(c.FormValue(field)); v != "" {
			if d.Fields == nil {
				d.Fields = make(map[string]any)
			}
			d.Fields[key] = v
		}
	}

	img, err := imageFromForm(c)
	if err != nil {
		return Draft{}, err
	}
	d.PendingImage = img
	return d, nil
}

// imageFromForm reads the optional "image" file into memory. The saga holds
// it until the new user's id is known.
func imageFromForm(c echo.Context) (*Image, error) {
	file, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("form exceeds maximum allowed size of %d bytes", mbe.Limit))
		}
		return nil, fmt.Errorf("read image: %w", err)
	}
	if file.Size > MaxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageSize)
	}

	contentType := file.Header.Get("Content-Type")
	if !AllowedImageTypes[contentType] {
		return nil, fmt.Errorf("image content type %q is not allowed", contentType)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageSize)
	}
	return &Image{Name: file.Filename, ContentType: contentType, Data: data}, nil
}
