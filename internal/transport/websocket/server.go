// Package websocket provides the live-channel endpoint of the relay.
//
// Peers connect to:
//
//	GET /ws?bot_id=<peer id>
//
// The connection is rejected with close code 1008 (policy violation) when the
// bot_id parameter is absent. On success the relay registers the peer, sends
// a connected frame, flushes the peer's unread backlog as one batch, and then
// serves frames until either side closes the channel.
//
// Frame shapes are documented in the wire package.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/router"
	"github.com/snehjoshi/botbridge/internal/wire"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// channel adapts a gorilla connection to registry.Channel. Gorilla permits
// only one concurrent writer, so every frame write holds the mutex: the
// router may push from any goroutine while this connection's own handler is
// answering pings.
type channel struct {
	mu   sync.Mutex
	conn *gorillaws.Conn
}

func (c *channel) WriteFrame(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *channel) Close() error {
	return c.conn.Close()
}

var _ registry.Channel = (*channel)(nil)

// Handler serves the live-channel endpoint.
type Handler struct {
	Registry *registry.Registry
	Router   *router.Router
	Metrics  *metrics.Registry // optional
}

// ServeHTTP upgrades the connection and runs the per-peer frame loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("bot_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if peerID == "" {
		// Policy violation: identity is part of the handshake.
		msg := gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, "missing bot_id parameter")
		_ = conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	ch := &channel{conn: conn}
	h.Registry.Register(peerID, ch)
	// Compare-and-delete so tearing down this channel never evicts a newer
	// one the peer registered by reconnecting first.
	defer h.Registry.UnregisterChannel(peerID, ch)

	if h.Metrics != nil {
		h.Metrics.Connections.Inc(peerID)
		defer h.Metrics.Disconnections.Inc(peerID)
	}
	slog.Info("peer connected", "peer", peerID)
	defer slog.Info("peer disconnected", "peer", peerID)

	if err := ch.WriteFrame(wire.Connected{Type: wire.TypeConnected, BotID: peerID}); err != nil {
		return
	}

	// Flush the stored backlog before serving new frames. No status mutation
	// happens here; each message transitions to read only when acked.
	if err := h.Router.DeliverUnread(r.Context(), peerID); err != nil {
		slog.Warn("unread flush failed", "peer", peerID, "err", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // channel closed or broken; reconnect is the client's job
		}

		var frame wire.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Malformed frame: report and drop, connection stays open.
			slog.Warn("malformed frame", "peer", peerID, "err", err)
			continue
		}

		h.handleFrame(r, peerID, ch, frame)
	}
}

// handleFrame dispatches one decoded client frame.
func (h *Handler) handleFrame(r *http.Request, peerID string, ch *channel, frame wire.ClientFrame) {
	switch frame.Type {
	case wire.TypeSend:
		sender := frame.Sender
		if sender == "" {
			sender = peerID
		}
		outcome, err := h.Router.Send(r.Context(), sender, frame.Recipient, frame.Content, frame.Metadata)
		if err != nil {
			slog.Warn("ws send failed", "peer", peerID, "err", err)
			return
		}
		if h.Metrics != nil {
			h.Metrics.Sent.Inc("ws")
		}
		slog.Debug("ws send routed", "peer", peerID, "recipient", frame.Recipient, "live", outcome.Live)

	case wire.TypeBroadcast:
		sender := frame.Sender
		if sender == "" {
			sender = peerID
		}
		reached := h.Router.Broadcast(sender, frame.Content, frame.Metadata)
		slog.Debug("ws broadcast", "peer", peerID, "reached", reached)

	case wire.TypeAck:
		ok, err := h.Router.Ack(r.Context(), frame.MessageID)
		if err != nil {
			slog.Warn("ws ack failed", "peer", peerID, "id", frame.MessageID, "err", err)
			return
		}
		if !ok {
			// Unknown id: logged, never fatal.
			slog.Warn("ack for unknown message", "peer", peerID, "id", frame.MessageID)
		}

	case wire.TypePing:
		if err := ch.WriteFrame(wire.Pong{Type: wire.TypePong}); err != nil {
			slog.Warn("pong write failed", "peer", peerID, "err", err)
		}

	default:
		slog.Warn("unknown frame type", "peer", peerID, "type", frame.Type)
	}
}
