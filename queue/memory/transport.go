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


// Package memory provides an in-process queue.Transport, used by tests and by
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poiesic/docmem/queue"
)

type entry struct {
	id         uint64
	payload    []byte
	visibleAt  time.Time
	receipt    string
	deliveries int
}

// Transport is an in-memory queue.Transport with lease semantics.
type Transport struct {
	mu     sync.Mutex
	queues map[string][]*entry
	nextID uint64
	closed bool
	now    func() time.Time
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

// New creates an empty transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		queues: make(map[string][]*entry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enqueue adds a message that becomes visible after delay.
func (t *Transport) Enqueue(ctx context.Context, queueName string, msg queue.Message, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return queue.ErrClosed
	}
	t.nextID++
	t.queues[queueName] = append(t.queues[queueName], &entry{
		id:        t.nextID,
		payload:   queue.Encode(msg),
		visibleAt: t.now().Add(delay),
	})
	return nil
}

// Dequeue leases the oldest visible message.
func (t *Transport) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, queue.ErrClosed
	}
	now := t.now()
	for _, e := range t.queues[queueName] {
		if e.visibleAt.After(now) {
			continue
		}
		msg, err := queue.Decode(e.payload)
		if err != nil {
			return nil, err
		}
		e.visibleAt = now.Add(lease)
		e.receipt = uuid.NewString()
		e.deliveries++
		return &queue.Delivery{
			Queue:      queueName,
			Message:    msg,
			Receipt:    e.receipt,
			Deliveries: e.deliveries,
		}, nil
	}
	return nil, queue.ErrEmpty
}

// Ack removes a leased message.
func (t *Transport) Ack(ctx context.Context, delivery *queue.Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return queue.ErrClosed
	}
	entries := t.queues[delivery.Queue]
	for i, e := range entries {
		if e.receipt == delivery.Receipt {
			t.queues[delivery.Queue] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return queue.ErrLeaseLost
}

// Len returns the number of messages in a queue, leased or not.
func (t *Transport) Len(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queueName])
}

// Close discards every message.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queues = nil
	return nil
}
