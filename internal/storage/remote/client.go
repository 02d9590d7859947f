// Package remote is the device-side client of the token API. It satisfies
// push.TokenWriter so the session manager can sync over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token api returned %d: %s", e.Code, e.Message)
}

// Client calls the token API at BaseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// bearer, when set, supplies the Authorization token per request.
	bearer func(ctx context.Context) (string, error)
}

var _ push.TokenWriter = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithBearer(fn func(ctx context.Context) (string, error)) Option {
	return func(c *Client) { c.bearer = fn }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token api url must be absolute, got %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Upsert(ctx context.Context, record push.TokenRecord) error {
	return c.do(ctx, http.MethodPut, "/api/v1/tokens", record)
}

func (c *Client) DeleteDeviceTokensExcept(ctx context.Context, deviceID, keepToken string) error {
	path := "/api/v1/devices/" + url.PathEscape(deviceID) + "/prune"
	return c.do(ctx, http.MethodPost, path, map[string]string{"keep_token": keepToken})
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != nil {
		tok, err := c.bearer(ctx)
		if err != nil {
			return fmt.Errorf("obtaining credentials: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
}

// errorMessage reads the {"error": "..."} body the API writes, falling back
// to the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
