package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseBodyLimit(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1M", 1000 * 1000, false},
		{"6MB", 6 * 1000 * 1000, false},
		{"512K", 512 * 1000, false},
		{"2MiB", 2 << 20, false},
		{"1024", 1024, false},
		{" 1G ", 1000 * 1000 * 1000, false},
		{"", 0, true},
		{"invalid", 0, true},
		{"0", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseBodyLimit(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBodyLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBodyLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s/unlink/confirm", strings.NewReader(`{"token":"t"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "6M", "/api/v1/onboarding")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsOversizedBody_ContentLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s/unlink/confirm", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "6M", "/api/v1/onboarding")(func(c echo.Context) error {
		t.Error("handler should not be called when body exceeds limit")
		return nil
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !strings.Contains(body["error"], "1000 bytes") {
		t.Errorf("unexpected error body %v", body)
	}
}

func TestBodyLimit_UsesUploadLimitForUploadPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboarding/", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1K", "6M", "/api/v1/onboarding")(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for upload path within limit")
	}
}

func TestBodyLimit_UploadLimitOnlyForPost(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/onboarding", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "6M", "/api/v1/onboarding")(func(c echo.Context) error {
		t.Error("handler should not be called")
		return nil
	})
	h(c)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "6M")(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboarding", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("10M", "512", "/api/v1/onboarding")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})

	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}

func TestBodyLimit_StreamedFormBecomes413(t *testing.T) {
	e := echo.New()
	body := "--b\r\nContent-Disposition: form-data; name=\"email\"\r\n\r\n" +
		strings.Repeat("a", 4096) + "\r\n--b--\r\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboarding", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("10M", "1K", "/api/v1/onboarding")(func(c echo.Context) error {
		_, err := c.FormFile("image")
		return fmt.Errorf("read image: %w", err)
	})

	var httpErr *echo.HTTPError
	if err := h(c); !errors.As(err, &httpErr) || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected a 413 HTTPError, got %v", err)
	}
}

func TestTooLarge_PassesOtherErrors(t *testing.T) {
	if TooLarge(nil) != nil {
		t.Error("expected nil to pass through")
	}
	other := errors.New("boom")
	if got := TooLarge(other); got != other {
		t.Errorf("expected the error unchanged, got %v", got)
	}
}
