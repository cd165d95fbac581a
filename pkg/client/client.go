// Package client is the Go SDK for the botbridge relay.
//
// It offers two paths to the relay:
//
//   - Client — the stateless HTTP surface: send, pull, mark-read, status.
//   - Conn   — the live channel: a persistent WebSocket with automatic
//     reconnect, unread-batch handling, and per-message acknowledgement.
//     Obtained from Dial.
//
// # Quick start
//
//	api := client.New("http://localhost:3000", "xiaoc")
//
//	// Fire-and-forget over HTTP
//	id, err := api.SendMessage(ctx, "xiaod", "hello", nil)
//
//	// Pull and acknowledge
//	msgs, err := api.Unread(ctx)
//	for _, m := range msgs {
//	    process(m)
//	    _ = api.MarkRead(ctx, m.ID)
//	}
//
// # Error handling
//
// All methods return an *APIError when the relay responds with a non-2xx
// status code. Use errors.As (or the IsNotFound helper) to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client
// internally so connections are reused across goroutines.
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
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the relay responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("botbridge: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the relay.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the relay has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the stateless HTTP client for the relay. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	botID   string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the relay at baseURL, acting as the peer botID.
//
//	c := client.New("http://localhost:3000", "xiaoc")
func New(baseURL, botID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		botID:   botID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BotID returns the peer identity this client was created with.
func (c *Client) BotID() string { return c.botID }

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a message retrieved from the relay.
type Message struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Content   string            `json:"content"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StatusInfo is the relay's /api/status snapshot.
type StatusInfo struct {
	Status        string    `json:"status"`
	UnreadCount   int       `json:"unread_count"`
	ConnectedBots int       `json:"connected_bots"`
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ─── Message operations ───────────────────────────────────────────────────────

// SendMessage stores a message for recipient (and live-pushes it when the
// recipient is connected). Returns the assigned message id.
func (c *Client) SendMessage(ctx context.Context, recipient, content string, metadata map[string]string) (string, error) {
	payload := map[string]any{
		"sender":    c.botID,
		"recipient": recipient,
		"content":   content,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ReplyTo sends a reply to the sender of orig, threading the reply chain via
// the reply_to metadata key.
func (c *Client) ReplyTo(ctx context.Context, orig *Message, content string, extra map[string]string) (string, error) {
	meta := map[string]string{"reply_to": orig.ID}
	for k, v := range extra {
		meta[k] = v
	}
	return c.SendMessage(ctx, orig.Sender, content, meta)
}

// Messages pulls messages addressed to this bot. status is "unread", "read",
// or "all" (empty defaults to "unread"); limit <= 0 uses the server default.
func (c *Client) Messages(ctx context.Context, status string, limit int) ([]*Message, error) {
	q := url.Values{"recipient": {c.botID}}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Messages []*Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Unread pulls this bot's unread messages (server default limit).
func (c *Client) Unread(ctx context.Context) ([]*Message, error) {
	return c.Messages(ctx, "unread", 0)
}

// MarkRead acknowledges a message by id. Marking an already-read message
// succeeds; an unknown id returns an error satisfying IsNotFound.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/messages/%s/read", url.PathEscape(id))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// PurgeRead deletes read messages older than the given number of days and
// returns the number deleted. Pass 0 to use the relay's configured default.
func (c *Client) PurgeRead(ctx context.Context, olderThanDays int) (int, error) {
	path := "/api/messages"
	if olderThanDays > 0 {
		path += "?older_than=" + strconv.Itoa(olderThanDays)
	}
	var resp struct {
		DeletedCount int `json:"deleted_count"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.DeletedCount, nil
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Status returns the relay's status snapshot.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var resp StatusInfo
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connections returns the ids of peers currently holding a live channel.
func (c *Client) Connections(ctx context.Context) ([]string, error) {
	var resp struct {
		Bots []string `json:"bots"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/connections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bots, nil
}

// healthTimeout bounds the liveness probe; a slow relay counts as unhealthy.
const healthTimeout = 3 * time.Second

// Health reports whether the relay answers its /health endpoint within the
// probe timeout. It never returns an error — timeout means unhealthy.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return false
	}
	return resp.Status == "ok"
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("botbridge: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("botbridge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("botbridge: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("botbridge: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("botbridge: decode response: %w", err)
		}
	}
	return nil
}
