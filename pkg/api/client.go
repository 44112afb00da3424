// Package api implements the HTTP client for the provisioning backend: the
// trigger operation, the status-check operation, and derivation of the
// per-session event stream URL.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"provisioner/pkg/proto"
)

// Client talks to the provisioning backend for one deployment.
type Client struct {
	baseURL *url.URL
	token   string
	httpc   *http.Client
}

// NewClient creates a backend client. baseURL is the http(s) API root;
// token may be empty for unauthenticated deployments.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: u,
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL.String() + "/" + strings.Join(parts, "/")
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Trigger issues the provisioning request for the session. A 2xx means the
// backend accepted the request and will report progress asynchronously; any
// other status is a synchronous rejection surfaced as ErrorTriggerRejected.
func (c *Client) Trigger(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("sessions", url.PathEscape(sessionID), "provision"), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build trigger request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("trigger request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return &proto.ErrorDetail{
		Kind:    proto.ErrorTriggerRejected,
		Message: fmt.Sprintf("backend rejected provisioning (%d): %s", resp.StatusCode, msg),
	}
}

// Status performs the idempotent readiness check for the session.
func (c *Client) Status(ctx context.Context, sessionID string) (proto.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("sessions", url.PathEscape(sessionID), "status"), http.NoBody)
	if err != nil {
		return proto.Status{}, fmt.Errorf("failed to build status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return proto.Status{}, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return proto.Status{}, fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return proto.Status{}, fmt.Errorf("status check returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var st proto.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return proto.Status{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	st.Raw = body
	return st, nil
}

// EventsURL derives the WebSocket endpoint for the session event stream,
// switching the scheme to ws(s) to match the API root.
func (c *Client) EventsURL(sessionID string) string {
	u := c.baseURL.JoinPath("sessions", sessionID, "events")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Token returns the configured bearer token; the channel dialer uses it to
// authenticate the WebSocket handshake.
func (c *Client) Token() string {
	return c.token
}
