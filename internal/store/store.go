// Package store defines the durable message store abstraction used by the
// delivery router and both transports.
//
// Design principle: the router (and every layer above it) must ONLY interact
// with persistence through the Store interface. Never run queries directly.
// This makes it trivial to swap the SQLite backend for the Bolt backend (or a
// test double) at process wiring time without touching any routing logic.
//
// Concurrency contract: every call reflects the persisted truth at call time
// and mutates state atomically — a concurrent Append and MarkRead on the same
// id must not corrupt either record. Both backends enforce this with a single
// statement (SQLite) or a single write transaction (Bolt) per call.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/snehjoshi/botbridge/internal/node"
	"github.com/snehjoshi/botbridge/internal/types"
)

// DefaultQueryLimit caps a Query call whose limit argument is zero or negative.
const DefaultQueryLimit = 50

// Filter selects messages by status in Query and Purge calls.
type Filter string

const (
	FilterUnread Filter = "unread"
	FilterRead   Filter = "read"
	FilterAll    Filter = "all"
)

// ParseFilter maps a query-string status value onto a Filter.
// Empty input defaults to FilterUnread; unknown values are an error.
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "", "unread":
		return FilterUnread, nil
	case "read":
		return FilterRead, nil
	case "all":
		return FilterAll, nil
	default:
		return "", fmt.Errorf("store: unknown status filter %q", s)
	}
}

// Store is the single abstraction through which messages are persisted.
//
// Implementations:
//   - SQLite — SQL-backed, matches the schema the system has always used
//   - Bolt   — embedded key/value backend for zero-dependency deploys
//
// All methods are safe for concurrent use.
type Store interface {
	// Append persists msg with status unread and returns its id.
	// A sender-supplied id is preserved; otherwise one is assigned.
	// CreatedAt is set to now if zero. A storage I/O failure is returned as
	// an error; callers do not retry at this layer.
	Append(ctx context.Context, msg *types.Message) (string, error)

	// Query returns messages addressed to recipient matching filter,
	// newest-first, capped at limit (DefaultQueryLimit when limit <= 0).
	// No matches is an empty slice, not an error.
	Query(ctx context.Context, recipient string, filter Filter, limit int) ([]*types.Message, error)

	// MarkRead sets status=read and ReadAt=now for id.
	// Returns (false, nil) when id is unknown — a not-found condition, not a
	// storage fault. Marking an already-read message is a no-op that returns
	// (true, nil) and leaves ReadAt unchanged.
	MarkRead(ctx context.Context, id string) (bool, error)

	// Purge deletes messages matching filter whose read time (for FilterRead)
	// or creation time (otherwise) is older than the cutoff. Returns the
	// number of records deleted.
	Purge(ctx context.Context, filter Filter, olderThan time.Duration) (int, error)

	// UnreadCount returns the total number of unread messages across all
	// recipients. Used by the status endpoint.
	UnreadCount(ctx context.Context) (int, error)

	// Close flushes pending writes and releases the underlying database.
	Close() error
}

// newMessageID builds a message id of the form "<sender>_<ULID>", preserving
// the id shape the wire protocol has always used while keeping ids
// time-sortable within a sender.
func newMessageID(sender string) (string, error) {
	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("store: generate message id: %w", err)
	}
	if sender == "" {
		return id, nil
	}
	return sender + "_" + id, nil
}
