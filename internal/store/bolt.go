package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/snehjoshi/botbridge/internal/types"
)

var msgBucket = []byte("messages")

// Bolt is a Store backed by an embedded bbolt database. It trades the SQL
// backend's indexed queries for a pure-Go, single-file deploy; queries scan
// the bucket, which is fine at relay scale (tens of peers, bounded backlog).
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (creating if necessary) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(msgBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Append persists msg with status unread and returns its id.
func (b *Bolt) Append(ctx context.Context, msg *types.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := msg.ID
	if id == "" {
		var err error
		if id, err = newMessageID(msg.Sender); err != nil {
			return "", err
		}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	rec := msg.Clone()
	rec.ID = id
	rec.Status = types.StatusUnread
	rec.CreatedAt = createdAt
	rec.ReadAt = nil
	rec.Metadata = metaOrEmpty(rec.Metadata)

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", id, err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(msgBucket).Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("store: append %s: %w", id, err)
	}

	msg.ID = id
	msg.Status = types.StatusUnread
	msg.CreatedAt = createdAt
	return id, nil
}

// Query returns messages for recipient matching filter, newest-first.
func (b *Bolt) Query(ctx context.Context, recipient string, filter Filter, limit int) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	out := []*types.Message{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(msgBucket).ForEach(func(_, v []byte) error {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("store: decode record: %w", err)
			}
			if m.Recipient != recipient {
				return nil
			}
			if filter != FilterAll && m.Status != types.Status(filter) {
				return nil
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", recipient, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead transitions id from unread to read inside a single write
// transaction, so a concurrent Append cannot interleave with the update.
func (b *Bolt) MarkRead(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(msgBucket)
		v := bkt.Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true

		var m types.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("store: decode %s: %w", id, err)
		}
		if m.Status == types.StatusRead {
			return nil // idempotent re-ack, ReadAt stays as-is
		}

		now := time.Now().UTC()
		m.Status = types.StatusRead
		m.ReadAt = &now
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", id, err)
		}
		return bkt.Put([]byte(id), data)
	})
	if err != nil {
		return false, fmt.Errorf("store: mark read %s: %w", id, err)
	}
	return found, nil
}

// Purge deletes matching records older than the cutoff.
func (b *Bolt) Purge(ctx context.Context, filter Filter, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(msgBucket)
		var stale [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("store: decode record: %w", err)
			}
			if filter != FilterAll && m.Status != types.Status(filter) {
				return nil
			}
			ts := m.CreatedAt
			if filter == FilterRead {
				if m.ReadAt == nil {
					return nil
				}
				ts = *m.ReadAt
			}
			if ts.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return deleted, nil
}

// UnreadCount returns the total number of unread messages.
func (b *Bolt) UnreadCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(msgBucket).ForEach(func(_, v []byte) error {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("store: decode record: %w", err)
			}
			if m.Status == types.StatusUnread {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (b *Bolt) Close() error {
	return b.db.Close()
}
