// Package client is the Go client for the Ash HTTP API. The CLI and the MCP
// server both sit on top of it; it depends only on the public wire types.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// DefaultBaseURL matches the server's default listen address.
const DefaultBaseURL = "http://127.0.0.1:4100"

// Client talks to one Ash coordinator.
type Client struct {
	baseURL string
	apiKey  string

	// http serves unary calls with a bounded timeout; stream serves SSE
	// and bundle uploads, which must be allowed to outlive it.
	http   *http.Client
	stream *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIKey sends the key as a Bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the unary transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds unary calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New builds a client for the given base URL ("http://host:port").
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is the decoded server error envelope.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is the server saying 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// doJSON performs one unary call. in (when non-nil) is marshaled as the JSON
// body; out (when non-nil) receives the decoded response.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doRaw performs one unary call and returns the raw body.
func (c *Client) doRaw(ctx context.Context, method, path string) ([]byte, http.Header, error) {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, nil, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

// escapePath escapes each segment of a workspace-relative path while
// keeping the separators, so names with spaces or reserved characters
// survive the URL.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// decodeError turns a non-2xx response into an *APIError. Bodies that are
// not the standard envelope still produce a usable error.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope v1.Error
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		status := envelope.StatusCode
		if status == 0 {
			status = resp.StatusCode
		}
		return &APIError{StatusCode: status, Kind: envelope.Kind, Message: envelope.Error}
	}
	msg := string(bytes.TrimSpace(data))
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) (*v1.HealthResponse, error) {
	var out v1.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics returns the server's counter dump.
func (c *Client) Metrics(ctx context.Context) (*v1.MetricsResponse, error) {
	var out v1.MetricsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
