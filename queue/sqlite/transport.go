// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package sqlite provides a durable queue.Transport stored in a SQLite database.
//
// Several worker processes may share the database file; leases are taken in a
// single UPDATE so two consumers never hold the same message at once.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/poiesic/docmem/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	queue       TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	visible_at  INTEGER NOT NULL,
	receipt     TEXT,
	deliveries  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at, id);
`

// Transport is a queue.Transport backed by SQLite.
type Transport struct {
	db  *sql.DB
	now func() time.Time
}

var _ queue.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithClock overrides the time source used for delays and leases.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// Open opens (or creates) the queue database at path.
// An empty path opens a private in-memory database.
func Open(path string, opts ...Option) (*Transport, error) {
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating queue directory: %w", err)
		}
		dsn = path
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	// SQLite allows a single writer; serializing in the pool avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}

	t := &Transport{db: db, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Close closes the database connection.
func (t *Transport) Close() error {
	return t.db.Close()
}

// Enqueue adds a message that becomes visible after delay.
func (t *Transport) Enqueue(ctx context.Context, queueName string, msg queue.Message, delay time.Duration) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, visible_at) VALUES (?, ?, ?)`,
		queueName, queue.Encode(msg), t.now().Add(delay).UnixNano())
	if err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}
	return nil
}

// Dequeue leases the oldest visible message.
func (t *Transport) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*queue.Delivery, error) {
	now := t.now()
	receipt := uuid.NewString()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id         int64
		payload    []byte
		deliveries int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, deliveries FROM queue_messages
		 WHERE queue = ? AND visible_at <= ?
		 ORDER BY visible_at, id LIMIT 1`,
		queueName, now.UnixNano()).Scan(&id, &payload, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("selecting message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, receipt = ?, deliveries = deliveries + 1
		 WHERE id = ? AND visible_at <= ?`,
		now.Add(lease).UnixNano(), receipt, id, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("leasing message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, queue.ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	msg, err := queue.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding message %d: %w", id, err)
	}
	return &queue.Delivery{
		Queue:      queueName,
		Message:    msg,
		Receipt:    receipt,
		Deliveries: deliveries + 1,
	}, nil
}

// Ack removes a leased message.
func (t *Transport) Ack(ctx context.Context, delivery *queue.Delivery) error {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND receipt = ?`,
		delivery.Queue, delivery.Receipt)
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Len returns the number of messages in a queue, leased or not.
func (t *Transport) Len(ctx context.Context, queueName string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queueName).Scan(&n)
	return n, err
}
