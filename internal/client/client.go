// Package client talks to a running opsboard gateway. It backs the remote
// worker mode and the CLI read commands.
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
	"strconv"
	"strings"
	"time"

	"github.com/basket/opsboard/internal/delivery"
	"github.com/basket/opsboard/internal/heartbeat"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

var _ delivery.Source = (*Client)(nil)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL, e.g. http://127.0.0.1:18790. A bare
// host:port gets an http:// scheme.
func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID, ok := shared.LookupTraceID(ctx); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health returns the /healthz payload. A 503 is returned as an APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PendingBatch(ctx context.Context, limit int) ([]persistence.Notification, error) {
	var out struct {
		Notifications []persistence.Notification `json:"notifications"`
	}
	path := "/api/notifications/pending?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

func (c *Client) MarkDelivered(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/delivered", nil, nil)
}

func (c *Client) MarkFailed(ctx context.Context, id, errMsg string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/failed", map[string]string{"error": errMsg}, nil)
}

// AgentByID returns nil, nil when the gateway does not know the agent.
func (c *Client) AgentByID(ctx context.Context, id string) (*persistence.Agent, error) {
	var a persistence.Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &a); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]persistence.Agent, error) {
	var out struct {
		Agents []persistence.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

type AgentInput struct {
	Name       string `json:"name"`
	SessionKey string `json:"session_key"`
	Role       string `json:"role,omitempty"`
	Level      string `json:"level,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

func (c *Client) UpsertAgent(ctx context.Context, in AgentInput) (*persistence.Agent, error) {
	var a persistence.Agent
	if err := c.do(ctx, http.MethodPost, "/api/agents", in, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Stats(ctx context.Context) (persistence.NotificationStats, error) {
	var st persistence.NotificationStats
	err := c.do(ctx, http.MethodGet, "/api/notifications/stats", nil, &st)
	return st, err
}

// Heartbeat asks the gateway whether sessionKey has work. A zero since uses
// the server default window.
func (c *Client) Heartbeat(ctx context.Context, sessionKey string, since time.Time) (*heartbeat.Result, error) {
	q := url.Values{"session_key": {sessionKey}}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var out heartbeat.Result
	if err := c.do(ctx, http.MethodGet, "/api/heartbeat?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
