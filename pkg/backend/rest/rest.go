// Package rest provides a [backend.Services] implementation that reaches the
// backend sidecar over its JSON HTTP API. Each service is one POST endpoint
// under a shared base URL:
//
//	POST /v1/search   POST /v1/expert   POST /v1/image
//	POST /v1/vision   POST /v1/reason   POST /v1/recall
//	GET  /v1/profile?contextId=...&aiName=...
//
// Requests and responses are the wire forms of [backend.Request],
// [backend.Result], and [backend.Profile].
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voxgate/voxgate/pkg/backend"
)

// Compile-time interface assertion.
var _ backend.Services = (*Client)(nil)

const defaultTimeout = 60 * time.Second

// Client calls the backend sidecar's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s; tool
// backends are slow by nature (image generation, deep reasoning).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client. Used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the sidecar at baseURL. apiKey may be empty when
// the sidecar requires no authentication.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search implements [backend.Services].
func (c *Client) Search(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/search", req)
}

// Expert implements [backend.Services].
func (c *Client) Expert(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/expert", req)
}

// Image implements [backend.Services].
func (c *Client) Image(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/image", req)
}

// Vision implements [backend.Services].
func (c *Client) Vision(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/vision", req)
}

// Reason implements [backend.Services].
func (c *Client) Reason(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/reason", req)
}

// Recall implements [backend.Services].
func (c *Client) Recall(ctx context.Context, req backend.Request) (backend.Result, error) {
	return c.post(ctx, "/v1/recall", req)
}

// Profile implements [backend.Services].
func (c *Client) Profile(ctx context.Context, contextID, aiName string) (backend.Profile, error) {
	q := url.Values{}
	q.Set("contextId", contextID)
	q.Set("aiName", aiName)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/profile?"+q.Encode(), nil)
	if err != nil {
		return backend.Profile{}, fmt.Errorf("backend rest: profile request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Profile{}, fmt.Errorf("backend rest: profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backend.Profile{}, statusError("profile", resp)
	}

	var p backend.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return backend.Profile{}, fmt.Errorf("backend rest: decode profile: %w", err)
	}
	return p, nil
}

// post executes one service call against path.
func (c *Client) post(ctx context.Context, path string, req backend.Request) (backend.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return backend.Result{}, fmt.Errorf("backend rest: marshal %s: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backend.Result{}, fmt.Errorf("backend rest: %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Result{}, fmt.Errorf("backend rest: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backend.Result{}, statusError(path, resp)
	}

	var result backend.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return backend.Result{}, fmt.Errorf("backend rest: decode %s: %w", path, err)
	}
	return result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// statusError builds an error from a non-200 response, including a short
// body excerpt for diagnosis.
func statusError(path string, resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("backend rest: %s: status %d: %s", path, resp.StatusCode, excerpt)
}
