// Package persist provides a WAL-mode SQLite-backed durable queue used for
// both the response-action queue and the alert-export queue. Items are
// persisted on Enqueue and are not removed until the caller calls Ack,
// giving at-least-once delivery across process restarts.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Item is one persisted queue entry. Payload is an opaque JSON blob — the
// response queue stores response-request JSON, the export queue stores
// alert-export JSON — so this package stays agnostic of either schema.
type Item struct {
	ID        int64
	Payload   string
	EnqueuedAt time.Time
}

// Queue is a WAL-mode SQLite-backed durable FIFO queue. It is safe for
// concurrent use. Each Queue owns one table, so the response queue and
// export queue use independent Queue values (and may share or use separate
// database files).
type Queue struct {
	db    *sql.DB
	table string
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path and prepares the
// named table. table must be a fixed, code-controlled identifier (never
// derived from user input) since it is interpolated into DDL/DML that
// database/sql placeholders cannot parameterize.
func Open(path, table string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors when
	// multiple goroutines enqueue concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: set synchronous = NORMAL: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    payload     TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s (delivered, id);
`, table, table, table)

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: apply schema: %w", err)
	}

	q := &Queue{db: db, table: table}

	var count int64
	row := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE delivered = 0`, table))
	if err := row.Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// Enqueue persists payload, a caller-provided JSON document.
func (q *Queue) Enqueue(ctx context.Context, payload string) error {
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (payload) VALUES (?)`, q.table), payload)
	if err != nil {
		return fmt.Errorf("persist: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n unacknowledged items in insertion order, oldest
// first. It does not mark them delivered; call Ack with the returned IDs.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, payload, enqueued_at FROM %s WHERE delivered = 0 ORDER BY id LIMIT ?`, q.table), n)
	if err != nil {
		return nil, fmt.Errorf("persist: dequeue query: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var enqueuedAt string
		if err := rows.Scan(&item.ID, &item.Payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("persist: dequeue scan: %w", err)
		}
		item.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: dequeue rows: %w", err)
	}
	return items, nil
}

// Ack marks the items identified by ids as delivered. Idempotent: calling
// it again with already-acked IDs is a no-op for those rows.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, q.table, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("persist: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) items. It never
// blocks on the database.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
