// Package telegram is a thin HTTP client for the Telegram Bot API, covering
// the calls the bridge bots need: sending notifications and receiving webhook
// updates. It is not a general-purpose Bot API binding.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultAPIURL is the public Bot API endpoint.
	DefaultAPIURL = "https://api.telegram.org"

	maxRetries       = 3
	initialBackoff   = time.Second
	maxResponseBytes = 1 << 20 // responses here are small JSON envelopes
)

// ─── Error type ──────────────────────────────────────────────────────────────

// APIError is a non-OK response from the Bot API.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int // seconds, set on 429 responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

// ─── Wire types ──────────────────────────────────────────────────────────────

// apiResponse is the Bot API response envelope.
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// User is a Telegram user or bot account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is an inbound or outbound Telegram message.
type Message struct {
	MessageID int      `json:"message_id"`
	From      *User    `json:"from"`
	Chat      Chat     `json:"chat"`
	Date      int64    `json:"date"`
	Text      string   `json:"text"`
	ReplyTo   *Message `json:"reply_to_message"`
}

// Update is one entry of a webhook delivery or getUpdates batch.
type Update struct {
	UpdateID int      `json:"update_id"`
	Message  *Message `json:"message"`
}

// SendMessageRequest is the request body for the sendMessage method.
type SendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	ReplyToMessageID int    `json:"reply_to_message_id,omitempty"`
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client calls the Telegram Bot API over HTTP. Safe for concurrent use.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Bot API client. An empty baseURL uses DefaultAPIURL.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		token:   token,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetMe validates the token and returns the bot's account info.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	return do[User](ctx, c, "getMe", nil)
}

// SendMessage sends a text message and returns the delivered message,
// whose MessageID callers can use for reply threading.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	return do[Message](ctx, c, "sendMessage", req)
}

// Notify is the one-line notification helper: send text to chatID,
// optionally as a reply to replyTo (0 for none). Returns the Telegram
// message id of the sent message.
func (c *Client) Notify(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	msg, err := c.SendMessage(ctx, SendMessageRequest{
		ChatID:           chatID,
		Text:             text,
		ReplyToMessageID: replyTo,
	})
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// do sends a JSON POST to the given Bot API method and decodes the envelope.
// 429 responses are retried with the server-suggested Retry-After delay.
func do[T any](ctx context.Context, c *Client, method string, payload any) (*T, error) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("telegram: marshal %s request: %w", method, err)
		}
	}

	backoff := initialBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		var body io.Reader
		if data != nil {
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return nil, fmt.Errorf("telegram: create %s request: %w", method, err)
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Wrap with the method name only; the URL carries the bot token
			// and must not leak into error messages.
			return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("telegram: read %s response: %w", method, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries-1 {
			var envelope apiResponse[json.RawMessage]
			if err := json.Unmarshal(respBody, &envelope); err == nil &&
				envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
				backoff = time.Duration(envelope.Parameters.RetryAfter) * time.Second
			}

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			continue
		}

		var envelope apiResponse[T]
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
		}

		if !envelope.OK {
			apiErr := &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
			if envelope.Parameters != nil {
				apiErr.RetryAfter = envelope.Parameters.RetryAfter
			}
			return nil, apiErr
		}

		return &envelope.Result, nil
	}

	return nil, fmt.Errorf("telegram: %s: max retries exceeded", method)
}
