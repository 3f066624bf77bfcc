// Package nodeclient implements the JSON-over-HTTP client for the remote
// Nexus wallet node. Every call is a single POST of a JSON body to
// {base}/{endpoint}; the node answers with a {result} or {error} envelope.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInsecureTransport indicates a plaintext scheme pointed at a
	// non-local host. This is a hard precondition on construction and on
	// every base URL update, not advisory.
	ErrInsecureTransport = errors.New("plaintext http to non-local host")
	// ErrNetwork indicates the request never produced an HTTP response.
	ErrNetwork = errors.New("node unreachable")
)

// APIError is a failure reported by the node, either as a non-2xx status
// or as an error field in the response body.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: node error (status %d): %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: node error: %s", e.Endpoint, e.Message)
}

// Client is a stateless-per-call HTTP client for the node API. The only
// held state is the configured base URL.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	httpc   *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a Client for the given node URL. Plaintext http is rejected
// unless the host is loopback or in a private range.
func New(nodeURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.SetBaseURL(nodeURL); err != nil {
		return nil, err
	}
	return c, nil
}

// SetBaseURL updates the node URL, applying the same transport policy as
// construction.
func (c *Client) SetBaseURL(nodeURL string) error {
	if err := checkTransport(nodeURL); err != nil {
		return err
	}
	c.mu.Lock()
	c.baseURL = strings.TrimRight(nodeURL, "/")
	c.mu.Unlock()
	return nil
}

// BaseURL returns the currently configured node URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func checkTransport(nodeURL string) error {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return fmt.Errorf("parsing node url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%s: %w", u.Hostname(), ErrInsecureTransport)
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// isLocalHost reports whether the hostname is literal loopback or a
// private-range address. Names other than localhost are not resolved; a
// DNS name could move to a public address after the check.
func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// envelope is the node's response wrapper. A present error field means
// failure regardless of HTTP status.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *nodeError      `json:"error"`
}

type nodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call POSTs params as JSON to {base}/{endpoint} and returns the raw
// result payload.
func (c *Client) Call(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Unparseable error body falls back to raw response text.
			return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("decoding response from %s: %w", endpoint, jsonErr)
	}

	if env.Error != nil {
		apiErr := &APIError{Endpoint: endpoint, Message: env.Error.Message}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr.Status = resp.StatusCode
		}
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if env.Result != nil {
		return env.Result, nil
	}
	return raw, nil
}
