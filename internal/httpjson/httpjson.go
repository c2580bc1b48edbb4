// Package httpjson is the JSON-over-HTTP client shared by the upstream adapters.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ofs/internal/model"
)

// StatusError is a non-2xx response that is not classified as NotFound or upstream failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client calls one upstream service.
type Client struct {
	service string
	base    string
	http    *http.Client
	header  http.Header
}

// New returns a client for service rooted at baseURL. Each call is bounded by timeout.
func New(service, baseURL string, timeout time.Duration) *Client {
	return &Client{
		service: service,
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		header:  make(http.Header),
	}
}

// NewWith uses hc instead of a fresh http.Client, mostly for tests.
func NewWith(service, baseURL string, hc *http.Client) *Client {
	return &Client{service: service, base: strings.TrimRight(baseURL, "/"), http: hc, header: make(http.Header)}
}

// SetHeader adds a header sent on every request, e.g. an API key.
func (c *Client) SetHeader(key, value string) { c.header.Set(key, value) }

// Service returns the upstream name used in errors.
func (c *Client) Service() string { return c.service }

// Do sends in as the JSON body (when non-nil) and decodes the response into out (when non-nil).
// Transport failures, timeouts and 5xx responses become *model.UpstreamError; a 404 becomes
// a model.NotFoundError for notFound.
func (c *Client) Do(ctx context.Context, op, method, path string, in, out any, notFound model.NotFoundError) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", c.service, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", c.service, op, err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return &model.UpstreamError{Service: c.service, Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && notFound.Entity != "":
		return notFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &model.UpstreamError{Service: c.service, Op: op, Err: &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}}
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %w", c.service, op, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &model.UpstreamError{Service: c.service, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
