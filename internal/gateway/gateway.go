// Package gateway is the single point of outbound HTTP calls to the
// GloVendor backend.
//
// Every call attaches the current principal's bearer token, enforces a
// request timeout, and normalizes failures into an APIError carrying one
// of five kinds. Callers never see a raw transport error or a raw backend
// payload across this boundary.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/metrics"
	"github.com/cloudsoft/glovendor/internal/retry"
	"github.com/cloudsoft/glovendor/internal/session"
	"github.com/cloudsoft/glovendor/internal/traces"
)

// ErrorKind classifies a failed backend call.
type ErrorKind string

const (
	KindAuthRequired ErrorKind = "AUTH_REQUIRED" // no/expired token; force re-login, never retry
	KindValidation   ErrorKind = "VALIDATION"    // malformed input; client-recoverable
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindServer       ErrorKind = "SERVER"  // 5xx; retriable for idempotent GETs only
	KindNetwork      ErrorKind = "NETWORK" // transport failure; retriable with backoff
)

// APIError is the tagged result every failed call returns.
type APIError struct {
	Kind       ErrorKind `json:"kind"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Message    string    `json:"message"`
	Op         string    `json:"op,omitempty"` // operation name, annotated by callers
}

func (e *APIError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// WithOp returns a copy of the error annotated with an operation name.
func (e *APIError) WithOp(op string) *APIError {
	cp := *e
	cp.Op = op
	return &cp
}

// KindOf extracts the error kind, or "" for non-gateway errors.
func KindOf(err error) ErrorKind {
	if ae, ok := err.(*APIError); ok {
		return ae.Kind
	}
	return ""
}

// Validation builds a client-side VALIDATION error that never reached the
// network.
func Validation(op, message string) *APIError {
	return &APIError{Kind: KindValidation, Message: message, Op: op}
}

// Response is a successful backend response.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// PrincipalSource supplies the current principal; satisfied by
// *session.Context.
type PrincipalSource interface {
	Principal() *session.Principal
}

// Client performs HTTP calls against the backend base URL.
type Client struct {
	baseURL       string
	http          *http.Client
	principals    PrincipalSource
	logger        *slog.Logger
	getAttempts   int           // attempts for idempotent GETs on SERVER/NETWORK failures
	getRetryDelay time.Duration // base backoff delay between GET retries
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-request timeout (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithGetRetry configures retry behavior for idempotent GETs.
func WithGetRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.getAttempts = attempts
		c.getRetryDelay = baseDelay
	}
}

// New creates a gateway client.
func New(baseURL string, principals PrincipalSource, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: 15 * time.Second},
		principals:    principals,
		logger:        logging.Component(logger, "gateway"),
		getAttempts:   3,
		getRetryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs a request. body (if non-nil) is JSON-encoded. On failure the
// returned error is always a *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body any, query url.Values) (*Response, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindValidation, Message: "unencodable request body: " + err.Error()}
		}
	}

	// Idempotent GETs retry transient failures with backoff; everything
	// else gets exactly one attempt.
	attempts := 1
	if method == http.MethodGet {
		attempts = c.getAttempts
	}

	var resp *Response
	err := retry.Do(ctx, attempts, c.getRetryDelay, func() error {
		r, err := c.attempt(ctx, method, path, encoded, "application/json", query)
		if err != nil {
			ae := err.(*APIError)
			if ae.Kind == KindServer || ae.Kind == KindNetwork {
				return ae // retriable
			}
			return retry.Permanent(ae)
		}
		resp = r
		return nil
	})
	if err != nil {
		// retry.Do returns ctx.Err() verbatim when the context is cancelled
		// during a backoff sleep; keep the *APIError contract either way.
		var ae *APIError
		if !errors.As(err, &ae) {
			ae = &APIError{Kind: KindNetwork, Message: "request cancelled: " + err.Error()}
		}
		return nil, ae
	}
	return resp, nil
}

// Get performs a GET and decodes the JSON response into v (when non-nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return err
	}
	return c.decode(resp, v)
}

// Post performs a POST with a JSON body, decoding into v (when non-nil).
func (c *Client) Post(ctx context.Context, path string, body, v any) error {
	resp, err := c.Do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	return c.decode(resp, v)
}

// Patch performs a PATCH with a JSON body, decoding into v (when non-nil).
func (c *Client) Patch(ctx context.Context, path string, body, v any) error {
	resp, err := c.Do(ctx, http.MethodPatch, path, body, nil)
	if err != nil {
		return err
	}
	return c.decode(resp, v)
}

// Put performs a PUT with a JSON body, decoding into v (when non-nil).
func (c *Client) Put(ctx context.Context, path string, body, v any) error {
	resp, err := c.Do(ctx, http.MethodPut, path, body, nil)
	if err != nil {
		return err
	}
	return c.decode(resp, v)
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// Upload performs a multipart POST of a single file field.
func (c *Client) Upload(ctx context.Context, path, field, filename string, file io.Reader, v any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return &APIError{Kind: KindValidation, Message: "multipart encode failed: " + err.Error()}
	}
	if _, err := io.Copy(part, file); err != nil {
		return &APIError{Kind: KindValidation, Message: "multipart encode failed: " + err.Error()}
	}
	if err := w.Close(); err != nil {
		return &APIError{Kind: KindValidation, Message: "multipart encode failed: " + err.Error()}
	}

	resp, err := c.attempt(ctx, http.MethodPost, path, buf.Bytes(), w.FormDataContentType(), nil)
	if err != nil {
		return err
	}
	return c.decode(resp, v)
}

func (c *Client) decode(resp *Response, v any) error {
	if v == nil {
		return nil
	}
	if err := resp.Decode(v); err != nil {
		return &APIError{Kind: KindServer, HTTPStatus: resp.Status, Message: "undecodable backend response"}
	}
	return nil
}

// attempt performs exactly one HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, contentType string, query url.Values) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx, span := traces.StartSpan(ctx, "gateway.request",
		traces.HTTPMethod(method), traces.HTTPPath(path))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, c.fail(method, path, &APIError{Kind: KindValidation, Message: "invalid request: " + err.Error()})
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if p := c.principals.Principal(); p.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.BackendRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Timeouts and transport failures are NETWORK: retriable, never
		// inferred as a terminal backend verdict.
		return nil, c.fail(method, path, &APIError{Kind: KindNetwork, Message: "backend unreachable"})
	}
	defer resp.Body.Close()

	span.SetAttributes(traces.HTTPStatus(resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, c.fail(method, path, &APIError{Kind: KindNetwork, Message: "response read failed"})
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.BackendRequestsTotal.WithLabelValues(method, "").Inc()
		return &Response{Status: resp.StatusCode, Body: data}, nil
	}

	ae := classify(resp.StatusCode, data)
	return nil, c.fail(method, path, ae)
}

// fail logs and counts a failed call, then returns the error.
func (c *Client) fail(method, path string, ae *APIError) *APIError {
	metrics.BackendRequestsTotal.WithLabelValues(method, string(ae.Kind)).Inc()
	c.logger.Warn("backend request failed",
		"method", method,
		"path", path,
		"kind", ae.Kind,
		"status", ae.HTTPStatus,
		"message", ae.Message,
	)
	return ae
}

// classify maps a non-2xx response to an APIError. Backend error payloads
// sometimes contain internal identifiers, so 5xx messages are replaced by a
// generic one; the raw detail only reaches the log sink.
func classify(status int, body []byte) *APIError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &APIError{Kind: KindAuthRequired, HTTPStatus: status, Message: "authentication required"}
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, HTTPStatus: status, Message: backendMessage(body, "resource not found")}
	case status >= 400 && status < 500:
		return &APIError{Kind: KindValidation, HTTPStatus: status, Message: backendMessage(body, "invalid request")}
	default:
		return &APIError{Kind: KindServer, HTTPStatus: status, Message: "backend error, try again later"}
	}
}

// backendMessage extracts a human-readable message from a backend error
// body, falling back when the shape is unknown.
func backendMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fallback
}
