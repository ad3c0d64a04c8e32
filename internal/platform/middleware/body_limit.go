package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

// DefaultBodyLimit applies when a configured limit cannot be parsed.
const DefaultBodyLimit int64 = 1 << 20

// ParseBodyLimit parses a size such as "1M", "512KB" or "6MiB" the way echo's
// own body limit does. A bare number is a byte count.
func ParseBodyLimit(s string) (int64, error) {
	n, err := bytes.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse body limit %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("body limit %q must be positive", s)
	}
	return n, nil
}

func limitOrDefault(s string) int64 {
	n, err := ParseBodyLimit(s)
	if err != nil {
		return DefaultBodyLimit
	}
	return n
}

// BodyLimit caps request bodies. POSTs to one of uploadPaths (the multipart
// onboarding form) get uploadLimit, everything else defaultLimit.
//
// A declared Content-Length over the limit is refused before the handler
// runs. A streamed body is cut off by http.MaxBytesReader and the handler's
// resulting error is turned into a 413 on the way out.
func BodyLimit(defaultLimit, uploadLimit string, uploadPaths ...string) echo.MiddlewareFunc {
	defaultBytes := limitOrDefault(defaultLimit)
	uploadBytes := limitOrDefault(uploadLimit)
	uploads := make(map[string]bool, len(uploadPaths))
	for _, p := range uploadPaths {
		uploads[strings.TrimSuffix(p, "/")] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && uploads[strings.TrimSuffix(req.URL.Path, "/")] {
				limit = uploadBytes
			}
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
					"error": tooLargeMessage(limit),
				})
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return TooLarge(next(c))
		}
	}
}

// TooLarge returns a 413 *echo.HTTPError when err comes from reading past a
// body limit, and err unchanged otherwise.
func TooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, tooLargeMessage(mbe.Limit))
	}
	return err
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit)
}
