// Package remote sends queued mutations to the tax-filing backend over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

const (
	// DefaultVersionHeader carries the mutation version.
	DefaultVersionHeader = "X-Sync-Version"

	// IdempotencyHeader carries the mutation id so the server can drop
	// duplicates of a request whose response was lost.
	IdempotencyHeader = "Idempotency-Key"

	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// StatusError is returned for any response other than 2xx or 409.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Client is an HTTP client for the sync endpoint.
type Client struct {
	baseURL       string
	versionHeader string
	httpClient    *http.Client
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithBaseURL sets the prefix for relative endpoints.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the HTTP client timeout. Per-request deadlines from the
// context still apply.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithVersionHeader overrides the header carrying the mutation version.
func WithVersionHeader(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.versionHeader = name
		}
	}
}

// NewClient creates a new remote client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		versionHeader: DefaultVersionHeader,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Send issues one mutation. A 409 is decoded into SyncResponse.Conflict.
func (c *Client) Send(ctx context.Context, sr ports.SyncRequest) (*ports.SyncResponse, error) {
	url, err := c.resolve(sr.Endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, sr.Method, url, bytes.NewReader(sr.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(c.versionHeader, strconv.FormatInt(sr.Version, 10))
	if sr.ID != "" {
		req.Header.Set(IdempotencyHeader, sr.ID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &ports.SyncResponse{StatusCode: resp.StatusCode}, nil

	case resp.StatusCode == http.StatusConflict:
		var state mutation.ServerState
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&state); err != nil {
			return nil, fmt.Errorf("decoding conflict body: %w", err)
		}
		return &ports.SyncResponse{StatusCode: resp.StatusCode, Conflict: &state}, nil

	default:
		return nil, c.parseError(resp)
	}
}

// resolve joins relative endpoints onto the base URL.
func (c *Client) resolve(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("relative endpoint %q with no base url configured", endpoint)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint, nil
}

// parseError extracts error information from a failed response
func (c *Client) parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

var _ ports.RemoteClient = (*Client)(nil)
