package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snehjoshi/botbridge/internal/types"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const sqliteBusyTimeoutMs = 5000

// sqliteSchema is executed in order on open. All DDL uses IF NOT EXISTS for
// idempotent re-application. Timestamps are UTC milliseconds since epoch;
// read_at is NULL until the message is acknowledged.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		sender     TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		content    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'unread',
		created_at INTEGER NOT NULL,
		read_at    INTEGER,
		metadata   TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_status
		ON messages(recipient, status)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)`,
}

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if necessary) the database at path.
//
// The database uses WAL mode, a 5 s busy timeout, and a single connection —
// SQLite serialises writes anyway, and one connection keeps every call
// atomic without explicit transactions.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply schema: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// Append persists msg with status unread and returns its id.
func (s *SQLite) Append(ctx context.Context, msg *types.Message) (string, error) {
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

	meta, err := json.Marshal(metaOrEmpty(msg.Metadata))
	if err != nil {
		return "", fmt.Errorf("store: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, recipient, content, status, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, msg.Sender, msg.Recipient, msg.Content, string(types.StatusUnread),
		createdAt.UnixMilli(), string(meta),
	)
	if err != nil {
		return "", fmt.Errorf("store: append %s: %w", id, err)
	}

	msg.ID = id
	msg.Status = types.StatusUnread
	msg.CreatedAt = createdAt
	return id, nil
}

// Query returns messages for recipient matching filter, newest-first.
func (s *SQLite) Query(ctx context.Context, recipient string, filter Filter, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	q := `SELECT id, sender, recipient, content, status, created_at, read_at, metadata
	      FROM messages WHERE recipient = ?`
	args := []any{recipient}
	if filter != FilterAll {
		q += ` AND status = ?`
		args = append(args, string(filter))
	}
	// Secondary sort on id keeps same-millisecond messages in a stable order
	// (ids carry a monotone ULID suffix).
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", recipient, err)
	}
	defer rows.Close()

	out := []*types.Message{}
	for rows.Next() {
		var (
			m         types.Message
			status    string
			createdMs int64
			readMs    sql.NullInt64
			metaJSON  string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &status, &createdMs, &readMs, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		m.Status = types.Status(status)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		if readMs.Valid {
			t := time.UnixMilli(readMs.Int64).UTC()
			m.ReadAt = &t
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata for %s: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate rows: %w", err)
	}
	return out, nil
}

// MarkRead transitions id from unread to read. The guarded UPDATE only
// matches unread rows, so a repeated ack leaves read_at untouched.
func (s *SQLite) MarkRead(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, read_at = ? WHERE id = ? AND status = ?`,
		string(types.StatusRead), time.Now().UTC().UnixMilli(), id, string(types.StatusUnread),
	)
	if err != nil {
		return false, fmt.Errorf("store: mark read %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark read %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	// No row updated: either the id is unknown or the message was already
	// read. The two cases surface differently to callers.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: mark read %s: %w", id, err)
	}
	return true, nil
}

// Purge deletes matching records older than the cutoff.
func (s *SQLite) Purge(ctx context.Context, filter Filter, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch filter {
	case FilterRead:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE status = ? AND read_at IS NOT NULL AND read_at < ?`,
			string(types.StatusRead), cutoff)
	case FilterUnread:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE status = ? AND created_at < ?`,
			string(types.StatusUnread), cutoff)
	default:
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return int(n), nil
}

// UnreadCount returns the total number of unread messages.
func (s *SQLite) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = ?`, string(types.StatusUnread)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
