// Package queue provides the WAL-mode SQLite notification outbox. It
// implements notify.Outbox with at-least-once semantics: notifications are
// persisted on Enqueue and are not removed until the dispatcher calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the monitor
// goroutines calling Enqueue and the dispatcher calling Dequeue and Ack do
// not block each other.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// exits between Enqueue and Ack, the notification is returned again by the
// next Dequeue after restart.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tripwire/dupwatch/internal/notify"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is the SQLite-backed notify.Outbox. It is safe for concurrent
// use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

var _ notify.Outbox = (*SQLiteQueue)(nil)

// New opens (or creates) the outbox database at path, enables WAL journal
// mode and applies the schema. ":memory:" gives an in-memory database for
// tests.
//
// The depth counter is seeded from the rows still pending, so Depth is
// accurate straight after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent Enqueue.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM notification_outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS notification_outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    title       TEXT    NOT NULL,
    message     TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    action      TEXT    NOT NULL DEFAULT '',
    clickable   INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_notification_outbox_pending
    ON notification_outbox (delivered, id);
`

// Enqueue persists n with delivered = 0.
func (q *SQLiteQueue) Enqueue(ctx context.Context, n notify.Notification) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	clickable := 0
	if n.Clickable {
		clickable = 1
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO notification_outbox (title, message, path, action, clickable, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.Title,
		n.Message,
		n.Path,
		n.Action,
		clickable,
		n.Duration.Milliseconds(),
		created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to max unacknowledged notifications, oldest first. It
// does not mark them delivered. If max ≤ 0 it returns nil without querying.
func (q *SQLiteQueue) Dequeue(ctx context.Context, max int) ([]notify.Pending, error) {
	if max <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, title, message, path, action, clickable, duration_ms, created_at
		 FROM   notification_outbox
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, max)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []notify.Pending
	for rows.Next() {
		var (
			p          notify.Pending
			clickable  int
			durationMS int64
			createdStr string
		)
		if err := rows.Scan(
			&p.ID,
			&p.Notification.Title,
			&p.Notification.Message,
			&p.Notification.Path,
			&p.Notification.Action,
			&clickable,
			&durationMS,
			&createdStr,
		); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		p.Notification.Clickable = clickable != 0
		p.Notification.Duration = time.Duration(durationMS) * time.Millisecond

		p.Notification.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr)
		if err != nil {
			p.Notification.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		}

		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks ids delivered. It is idempotent; the depth counter only drops
// for rows that transition from pending.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
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
		fmt.Sprintf(`UPDATE notification_outbox SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Prune deletes delivered rows enqueued before cutoff and returns how many
// were removed.
func (q *SQLiteQueue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM notification_outbox WHERE delivered = 1 AND enqueued_at < ?`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Depth returns the number of pending notifications without touching the
// database.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the database. The queue must not be used afterwards.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
