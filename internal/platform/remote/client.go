// Package remote is the generic Remote Resource Client used to reach the
// entity microservices behind the console. Every call is bounded by a timeout,
// any non-2xx status is reported as *Error, and response bodies are handed back
// as raw JSON for callers to pick the fields they need.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds every remote call unless overridden with WithTimeout.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a response body is read into memory.
const maxBodySize = 10 * 1024 * 1024

var tracer = otel.Tracer("remote")

// Response is the status and raw JSON body of an accepted call.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// File is an in-memory upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Edge identifies one associated entity in a remove-association call.
type Edge struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

// Client is the set of backend operations the console core depends on.
type Client interface {
	CreateResource(ctx context.Context, collection string, body any) (*Response, error)
	ListResources(ctx context.Context, collection string) (*Response, error)
	GetResource(ctx context.Context, collection, id string) (*Response, error)
	UploadFile(ctx context.Context, collection, id string, file File) (*Response, error)
	UpdateResource(ctx context.Context, collection, id string, body any) (*Response, error)
	RemoveAssociation(ctx context.Context, primaryKind, primaryID string, edges []Edge) (*Response, error)
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger attaches a logger for call outcomes.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(h *HTTPClient) { h.logger = l }
}

// HTTPClient implements Client against a JSON REST backend rooted at baseURL.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates baseURL and returns a client with default settings.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("backend url scheme must be http or https, got %q", u.Scheme)
	}

	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *HTTPClient) CreateResource(ctx context.Context, collection string, body any) (*Response, error) {
	return c.doJSON(ctx, "create", http.MethodPost, c.path(collection), body)
}

func (c *HTTPClient) ListResources(ctx context.Context, collection string) (*Response, error) {
	return c.doJSON(ctx, "list", http.MethodGet, c.path(collection), nil)
}

func (c *HTTPClient) GetResource(ctx context.Context, collection, id string) (*Response, error) {
	return c.doJSON(ctx, "get", http.MethodGet, c.path(collection, id), nil)
}

func (c *HTTPClient) UpdateResource(ctx context.Context, collection, id string, body any) (*Response, error) {
	return c.doJSON(ctx, "update", http.MethodPut, c.path(collection, id), body)
}

func (c *HTTPClient) RemoveAssociation(ctx context.Context, primaryKind, primaryID string, edges []Edge) (*Response, error) {
	body := map[string]any{"entities": edges}
	return c.doJSON(ctx, "remove_association", http.MethodPost,
		c.path(strings.ToLower(primaryKind), primaryID, "associations", "remove"), body)
}

// UploadFile posts file as the multipart field "file".
func (c *HTTPClient) UploadFile(ctx context.Context, collection, id string, file File) (*Response, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("file name is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return c.do(ctx, "upload", http.MethodPost, c.path(collection, id, "image"), &buf, mw.FormDataContentType())
}

func (c *HTTPClient) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, target string, body any) (*Response, error) {
	if body == nil {
		return c.do(ctx, op, method, target, nil, "")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal body: %w", op, err)
	}
	return c.do(ctx, op, method, target, bytes.NewReader(payload), "application/json")
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, body io.Reader, contentType string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "Remote."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", target),
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.roundTrip(ctx, op, method, target, body, contentType)

	evt := c.logger.Debug()
	if err != nil {
		evt = c.logger.Warn().Err(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if resp != nil {
		evt = evt.Int("status", resp.Status)
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	}
	evt.Str("op", op).
		Str("method", method).
		Str("url", target).
		Dur("latency", time.Since(start)).
		Msg("remote call")

	return resp, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, op, method, target string, body io.Reader, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Op: op, Message: fmt.Sprintf("request timed out after %s", c.timeout), Err: context.DeadlineExceeded}
		}
		return nil, &Error{Op: op, Message: "backend unreachable", Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Op: op, Status: httpResp.StatusCode, Message: "failed to read response body", Err: err}
	}

	resp := &Response{Status: httpResp.StatusCode, Body: json.RawMessage(data)}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, &Error{Op: op, Status: httpResp.StatusCode, Message: messageFromBody(data)}
	}
	return resp, nil
}
