// Package router is the delivery core of botbridge.
//
// All transports (HTTP handlers, the live-channel endpoint) talk to the
// Router — never directly to the store or the registry. This enforces the
// layered architecture and keeps the delivery semantics in one place.
//
// Data flow:
//
//	sender → Router.Send → store.Append (status=unread)
//	                     → registry.Lookup → live push when connected
//	recipient connect    → Router.DeliverUnread → unread batch push
//	recipient ack        → Router.Ack → store.MarkRead (unread → read)
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/store"
	"github.com/snehjoshi/botbridge/internal/types"
	"github.com/snehjoshi/botbridge/internal/wire"
)

// ErrMissingFields is returned when a send lacks sender, recipient, or content.
var ErrMissingFields = errors.New("router: missing required fields: sender, recipient, content")

// unreadFlushLimit caps the number of messages delivered in one connect flush.
const unreadFlushLimit = 50

// Outcome describes what happened to an accepted send.
//
// Delivered=true means the message was accepted: either pushed over a live
// channel (Live=true) or durably stored for later retrieval (Live=false).
// Only a storage failure yields Delivered=false, reported via the error
// return alongside a zero Outcome.
type Outcome struct {
	Delivered bool
	Live      bool
	ID        string
}

// Option is a functional option for the Router.
type Option func(*Router)

// WithMetrics attaches a metrics.Registry so that every send, push, and ack
// increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Router) { r.metrics = reg }
}

// Router routes one outbound message to one recipient or to all peers, and
// reconciles delivery state with the store. All methods are safe for
// concurrent use.
type Router struct {
	store   store.Store
	reg     *registry.Registry
	metrics *metrics.Registry
}

// New wires a Router over the given store and peer registry.
func New(st store.Store, reg *registry.Registry, opts ...Option) *Router {
	r := &Router{store: st, reg: reg}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Send routes one message. The message is persisted first (unless recipient
// is the broadcast wildcard), then optimistically pushed if the recipient has
// a live channel. A push failure is not a send failure: the message is
// already durable as unread and will reach the recipient via its next
// connect flush or an explicit pull, so nothing is un-persisted.
func (r *Router) Send(ctx context.Context, sender, recipient, content string, meta map[string]string) (Outcome, error) {
	if sender == "" || recipient == "" || content == "" {
		return Outcome{}, ErrMissingFields
	}

	if recipient == types.Broadcast {
		r.Broadcast(sender, content, meta)
		return Outcome{Delivered: true}, nil
	}

	msg := &types.Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Metadata:  meta,
	}
	id, err := r.store.Append(ctx, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: persist message: %w", err)
	}
	if r.metrics != nil {
		r.metrics.Stored.Inc(recipient)
	}

	ch, ok := r.reg.Lookup(recipient)
	if !ok {
		return Outcome{Delivered: true, ID: id}, nil
	}

	if err := ch.WriteFrame(wire.NewMessage(msg)); err != nil {
		// Dead channel discovered mid-push. Degrade to stored-only; the
		// message stays unread for the recipient's next flush.
		slog.Warn("live push failed, message stays stored", "recipient", recipient, "id", id, "err", err)
		return Outcome{Delivered: true, ID: id}, nil
	}

	if r.metrics != nil {
		r.metrics.DeliveredLive.Inc(recipient)
	}
	return Outcome{Delivered: true, Live: true, ID: id}, nil
}

// Broadcast pushes content to every registered peer except sender. Broadcast
// messages are never persisted, so this is documented best-effort delivery:
// it reports the number of peers reached and succeeds even when that is zero.
func (r *Router) Broadcast(sender, content string, meta map[string]string) int {
	frame := wire.Message{
		Type:     wire.TypeMessage,
		Sender:   sender,
		Content:  content,
		Metadata: meta,
	}

	reached := 0
	for peerID, ch := range r.reg.Snapshot() {
		if peerID == sender {
			continue
		}
		if err := ch.WriteFrame(frame); err != nil {
			slog.Warn("broadcast push failed", "recipient", peerID, "err", err)
			continue
		}
		reached++
	}

	if r.metrics != nil {
		r.metrics.Broadcasts.Inc(sender)
	}
	return reached
}

// DeliverUnread flushes every stored unread message addressed to peerID over
// its live channel as one batch frame, oldest first. It is invoked by the
// connection handler immediately after registering a new channel.
//
// The store queries newest-first, so the result is reversed here to preserve
// per-recipient delivery order. No status mutation happens during the flush;
// messages transition to read only when the peer acks each one.
func (r *Router) DeliverUnread(ctx context.Context, peerID string) error {
	msgs, err := r.store.Query(ctx, peerID, store.FilterUnread, unreadFlushLimit)
	if err != nil {
		return fmt.Errorf("router: query unread for %s: %w", peerID, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	// newest-first → oldest-first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	ch, ok := r.reg.Lookup(peerID)
	if !ok {
		return nil // peer vanished between register and flush
	}

	batch := wire.Unread{Type: wire.TypeUnread, Count: len(msgs), Messages: msgs}
	if err := ch.WriteFrame(batch); err != nil {
		return fmt.Errorf("router: flush unread to %s: %w", peerID, err)
	}

	slog.Info("flushed unread batch", "peer", peerID, "count", len(msgs))
	return nil
}

// Ack marks id as read. It returns false when the id is unknown — callers
// surface that as a not-found condition, distinct from a storage fault.
// Re-acking an already-read id succeeds without touching ReadAt.
func (r *Router) Ack(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.MarkRead(ctx, id)
	if err != nil {
		return false, fmt.Errorf("router: ack %s: %w", id, err)
	}
	if ok && r.metrics != nil {
		r.metrics.Acked.Inc("")
	}
	return ok, nil
}
