// Package types contains the core domain types shared across all botbridge
// internal packages. It deliberately has zero imports of other botbridge
// packages so that the store, registry, and router layers can all import from
// it without creating import cycles.
package types

import "time"

// Status is the delivery lifecycle state of a persisted message.
type Status string

const (
	// StatusUnread means the message has not yet been acknowledged by its
	// recipient. Every message is persisted in this state.
	StatusUnread Status = "unread"
	// StatusRead means the recipient has acknowledged the message, either via
	// a live-channel ack frame or the HTTP mark-read fallback.
	StatusRead Status = "read"
)

// Broadcast is the wildcard recipient meaning "every connected peer except
// the sender". Broadcast messages are never persisted and never acknowledged.
const Broadcast = "*"

// Message is the unit of exchange between peers.
//
// A persisted message is immutable except for Status and ReadAt, which
// transition unread → read exactly once. Re-acknowledging an already-read
// message is a no-op, never an error.
type Message struct {
	// ID is globally unique. Sender-supplied IDs are accepted and preserved;
	// otherwise the store assigns one of the form "<sender>_<ULID>".
	ID string `json:"id"`

	// Sender and Recipient are opaque peer identifiers. Recipient may be the
	// Broadcast wildcard, in which case the message is best-effort only.
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Content is the message payload.
	Content string `json:"content"`

	Status Status `json:"status"`

	// CreatedAt is set by the store on first persistence.
	CreatedAt time.Time `json:"created_at"`

	// ReadAt is nil until the recipient acknowledges the message.
	ReadAt *time.Time `json:"read_at,omitempty"`

	// Metadata holds arbitrary key/value pairs set by the sender. The core
	// treats it as opaque; it carries reply-chain links, Telegram message IDs,
	// and similar correlation data.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
