// Package upstream issues the outbound half of a relayed request.
//
// One Client is built per route descriptor at startup, carrying the route's
// target base URL and injected headers. The caller-supplied credential is
// passed per call and used for exactly one outbound request — it is never
// stored on the Client.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client dispatches requests to a single upstream target.
type Client struct {
	target  string
	headers map[string]string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the given target base URL. headers are applied to
// every outbound request after client-supplied headers, so they win on
// conflict. The HTTP client carries no global timeout — streaming responses
// may run indefinitely; buffered callers bound the call with a context.
func New(target string, headers map[string]string, opts ...Option) *Client {
	c := &Client{
		target:  target,
		headers: headers,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          64,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Error is a non-2xx upstream response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *Error) HTTPStatus() int { return e.StatusCode }

// Complete issues a buffered request and returns the raw response body.
// path is the remainder of the inbound path after the route prefix; it is
// joined onto the target ("" means the target itself).
func (c *Client) Complete(ctx context.Context, method, path string, body []byte, credential string) ([]byte, error) {
	resp, err := c.do(ctx, method, path, body, credential, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return raw, nil
}

// Stream issues an incremental request and returns an iterator over the
// upstream's SSE data records. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, method, path string, body []byte, credential string) (*Stream, error) {
	resp, err := c.do(ctx, method, path, body, credential, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(resp), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, credential, accept string) (*http.Response, error) {
	u, err := joinURL(c.target, path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	// Injected route headers are applied last so they override anything the
	// client sent under the same name.
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	return resp, nil
}

// joinURL appends the path remainder to the target base URL. An empty
// remainder yields the target unchanged.
func joinURL(target, path string) (string, error) {
	if path == "" {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("upstream: invalid target url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}
