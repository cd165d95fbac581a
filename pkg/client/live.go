package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Connection state ─────────────────────────────────────────────────────────

// State is the lifecycle state of a live connection.
type State int32

const (
	// StateDisconnected means no channel is open. A reconnect may be
	// scheduled, or the connection may have been closed explicitly.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in flight.
	StateConnecting
	// StateConnected means the channel is open and frames flow.
	StateConnected
	// StateGaveUp means the retry budget is exhausted. Terminal until Connect
	// is called again.
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotConnected is returned by operations that require an open channel.
var ErrNotConnected = errors.New("botbridge: not connected")

// ─── Incoming messages ────────────────────────────────────────────────────────

// Incoming is a message delivered over the live channel, either as a direct
// push or as part of the unread backlog flushed at connect time.
type Incoming struct {
	ID        string
	Sender    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
	// Backlog is true when the message arrived in the connect-time unread
	// batch rather than as a live push.
	Backlog bool
}

// ─── Wire frames (client side) ───────────────────────────────────────────────

// outFrame is a client-to-relay frame. One shape covers send, broadcast,
// ack, and ping; unused fields are omitted.
type outFrame struct {
	Type      string            `json:"type"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
}

// inFrame is a relay-to-client frame, decoded generically and dispatched
// on Type.
type inFrame struct {
	Type      string            `json:"type"`
	BotID     string            `json:"botId,omitempty"`
	ID        string            `json:"id,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Count     int               `json:"count,omitempty"`
	Messages  []storedMessage   `json:"messages,omitempty"`
}

// storedMessage is the stored-message shape carried inside an
// unread_messages batch.
type storedMessage struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ─── Options ──────────────────────────────────────────────────────────────────

// ConnOption configures a live connection.
type ConnOption func(*Conn)

// WithBaseDelay sets the first reconnect delay. Subsequent attempts double
// it: baseDelay, 2×baseDelay, 4×baseDelay, … The default is 1 second.
func WithBaseDelay(d time.Duration) ConnOption {
	return func(c *Conn) { c.baseDelay = d }
}

// WithMaxAttempts sets the reconnect budget before the connection gives up.
// The default is 10.
func WithMaxAttempts(n int) ConnOption {
	return func(c *Conn) { c.maxAttempts = n }
}

// WithPingInterval sets the application-level heartbeat interval.
// Zero disables the heartbeat. The default is 30 seconds.
func WithPingInterval(d time.Duration) ConnOption {
	return func(c *Conn) { c.pingInterval = d }
}

// WithOnMessage sets the callback invoked for every delivered message.
// The callback runs on the connection's read goroutine; do not block in it.
func WithOnMessage(fn func(Incoming)) ConnOption {
	return func(c *Conn) { c.onMessage = fn }
}

// WithOnConnectionChange sets the callback invoked when the channel opens
// (true) or closes (false).
func WithOnConnectionChange(fn func(connected bool)) ConnOption {
	return func(c *Conn) { c.onConnChange = fn }
}

// WithOnError sets the callback invoked for dial failures, write failures,
// and malformed frames.
func WithOnError(fn func(error)) ConnOption {
	return func(c *Conn) { c.onError = fn }
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn maintains a live WebSocket channel to the relay with automatic
// reconnection.
//
// Lifecycle: Connect dials the relay; on failure (or when an established
// channel drops) a retry is scheduled with exponential backoff — baseDelay
// doubling per consecutive failure — until either an attempt succeeds
// (resetting the backoff) or the retry budget is exhausted (StateGaveUp).
// Close cancels any pending retry and is terminal.
//
// Sending: Send prefers the live channel and falls back to the HTTP API
// when the channel is down. Enqueue instead buffers the message locally;
// buffered messages are flushed FIFO the moment a channel (re)opens, ahead
// of anything enqueued after the flush began. Broadcast has no stored
// fallback and fails when disconnected.
//
// Every message delivered over the channel is acknowledged back to the
// relay automatically after the OnMessage callback returns.
type Conn struct {
	api   *Client
	wsURL string

	onMessage    func(Incoming)
	onConnChange func(bool)
	onError      func(error)

	baseDelay    time.Duration
	maxAttempts  int
	pingInterval time.Duration

	mu         sync.Mutex
	state      State
	attempts   int
	conn       *gorillaws.Conn
	queue      []outFrame // buffered sends awaiting the next connect
	retryTimer *time.Timer
	closed     bool

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// Dial creates a live connection for api's bot and starts connecting.
// The returned Conn is already dialing; use WithOnConnectionChange to
// observe the moment the channel opens.
func Dial(api *Client, opts ...ConnOption) *Conn {
	c := &Conn{
		api:          api,
		wsURL:        wsEndpoint(api.baseURL, api.botID),
		baseDelay:    time.Second,
		maxAttempts:  10,
		pingInterval: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	go c.connect()
	return c
}

// wsEndpoint derives the live-channel URL from the HTTP base URL.
func wsEndpoint(baseURL, botID string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws?bot_id=" + url.QueryEscape(botID)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed connect attempts.
// It resets to zero on every successful connect.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect restarts the connect loop. It is a no-op unless the connection
// previously gave up or was closed.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.closed = false
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()
	go c.connect()
}

// Close tears down the channel and cancels any pending reconnect.
// The connection will not dial again until Connect is called.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		err := conn.Close()
		c.notifyConnChange(false)
		return err
	}
	return nil
}

// ─── Connect loop ─────────────────────────────────────────────────────────────

// connect performs one dial attempt.
func (c *Conn) connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnected || c.state == StateGaveUp {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := gorillaws.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		c.reportError(fmt.Errorf("botbridge: dial %s: %w", c.wsURL, err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	// Drain the outbound queue before publishing StateConnected: the state
	// stays Connecting during the flush, so an Enqueue (or Send) racing it
	// keeps buffering and can never overtake an earlier queued message.
	c.flushQueue()

	if c.State() == StateConnected {
		c.notifyConnChange(true)
	}

	go c.readLoop(conn)
	if c.pingInterval > 0 {
		go c.pingLoop(conn)
	}
}

// flushQueue writes every buffered frame FIFO and then flips the state to
// Connected. Frames enqueued while a flush round is in flight are picked up
// by the next round of the drain loop; frames that fail to write are put
// back for the next connect.
func (c *Conn) flushQueue() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.state = StateConnected
			c.mu.Unlock()
			return
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, f := range pending {
			if err := c.writeFrame(f); err != nil {
				c.reportError(fmt.Errorf("botbridge: flush queued message: %w", err))
				c.mu.Lock()
				c.queue = append(pending[i:], c.queue...)
				if !c.closed {
					c.state = StateConnected
				}
				c.mu.Unlock()
				return
			}
		}
	}
}

// scheduleReconnect arms the backoff timer after a failed attempt or a
// dropped channel. Moves to StateGaveUp once the budget is spent.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.state = StateDisconnected
		return
	}
	if c.attempts >= c.maxAttempts {
		c.state = StateGaveUp
		return
	}

	c.attempts++
	delay := c.baseDelay << (c.attempts - 1)
	c.state = StateDisconnected
	c.retryTimer = time.AfterFunc(delay, c.connect)
}

// ─── Read path ────────────────────────────────────────────────────────────────

func (c *Conn) readLoop(conn *gorillaws.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn)
			return
		}

		var frame inFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Malformed frame: report and drop, the channel stays open.
			c.reportError(fmt.Errorf("botbridge: decode frame: %w", err))
			continue
		}
		c.handleFrame(frame)
	}
}

// handleDrop runs once when a channel dies, from the read loop.
func (c *Conn) handleDrop(conn *gorillaws.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer channel replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	if !closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()
	c.notifyConnChange(false)
	if !closed {
		c.scheduleReconnect()
	}
}

// handleFrame dispatches one relay frame.
func (c *Conn) handleFrame(frame inFrame) {
	switch frame.Type {
	case "connected":
		// Handshake confirmation; connection change was already signalled.

	case "message":
		c.deliver(Incoming{
			ID:        frame.ID,
			Sender:    frame.Sender,
			Content:   frame.Content,
			Timestamp: frame.Timestamp,
			Metadata:  frame.Metadata,
		})

	case "unread_messages":
		// Backlog arrives oldest first; deliver in order.
		for _, m := range frame.Messages {
			c.deliver(Incoming{
				ID:        m.ID,
				Sender:    m.Sender,
				Content:   m.Content,
				Timestamp: m.CreatedAt,
				Metadata:  m.Metadata,
				Backlog:   true,
			})
		}

	case "pong":
		// Heartbeat answered; nothing to do.

	default:
		// Unknown frame types are ignored for forward compatibility.
	}
}

// deliver hands a message to the callback and acks it.
func (c *Conn) deliver(msg Incoming) {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	if msg.ID == "" {
		return
	}
	if err := c.writeFrame(outFrame{Type: "ack", MessageID: msg.ID}); err != nil {
		c.reportError(fmt.Errorf("botbridge: ack %s: %w", msg.ID, err))
	}
}

// ─── Heartbeat ────────────────────────────────────────────────────────────────

// pingLoop sends application-level pings for as long as conn is the
// current channel. The read loop notices the dead channel and tears down.
func (c *Conn) pingLoop(conn *gorillaws.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.writeFrame(outFrame{Type: "ping"}); err != nil {
			return
		}
	}
}

// ─── Send path ────────────────────────────────────────────────────────────────

// Send delivers a message to recipient. It prefers the live channel and
// falls back to the HTTP API when the channel is down or the write fails.
func (c *Conn) Send(ctx context.Context, recipient, content string, metadata map[string]string) error {
	if c.State() == StateConnected {
		err := c.writeFrame(outFrame{
			Type:      "send",
			Sender:    c.api.botID,
			Recipient: recipient,
			Content:   content,
			Metadata:  metadata,
		})
		if err == nil {
			return nil
		}
		c.reportError(fmt.Errorf("botbridge: live send: %w", err))
	}

	_, err := c.api.SendMessage(ctx, recipient, content, metadata)
	return err
}

// Broadcast sends to every connected peer. There is no stored fallback:
// broadcasting requires an open channel.
func (c *Conn) Broadcast(content string, metadata map[string]string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.writeFrame(outFrame{
		Type:     "broadcast",
		Sender:   c.api.botID,
		Content:  content,
		Metadata: metadata,
	})
}

// Enqueue buffers a message locally for the next (re)connect. Buffered
// messages are flushed FIFO as soon as a channel opens. When already
// connected the message is sent immediately.
func (c *Conn) Enqueue(recipient, content string, metadata map[string]string) error {
	f := outFrame{
		Type:      "send",
		Sender:    c.api.botID,
		Recipient: recipient,
		Content:   content,
		Metadata:  metadata,
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.queue = append(c.queue, f)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.writeFrame(f)
}

// QueueLen returns the number of messages buffered for the next connect.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ─── Internals ────────────────────────────────────────────────────────────────

// writeFrame serialises one frame onto the current channel.
func (c *Conn) writeFrame(f outFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Conn) notifyConnChange(connected bool) {
	if c.onConnChange != nil {
		c.onConnChange(connected)
	}
}

func (c *Conn) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
