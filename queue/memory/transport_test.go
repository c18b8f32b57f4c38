package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docmem/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTransport_FIFOAndAck(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, "extract", queue.Message{DocumentID: "a"}, 0))
	require.NoError(t, tr.Enqueue(ctx, "extract", queue.Message{DocumentID: "b"}, 0))

	d1, err := tr.Dequeue(ctx, "extract", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", d1.Message.DocumentID)
	assert.Equal(t, 1, d1.Deliveries)

	d2, err := tr.Dequeue(ctx, "extract", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", d2.Message.DocumentID)

	_, err = tr.Dequeue(ctx, "extract", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	require.NoError(t, tr.Ack(ctx, d1))
	require.NoError(t, tr.Ack(ctx, d2))
	assert.Equal(t, 0, tr.Len("extract"))
}

func TestTransport_LeaseExpiryRedelivers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, "q", queue.Message{DocumentID: "a"}, 0))

	first, err := tr.Dequeue(ctx, "q", 30*time.Second)
	require.NoError(t, err)

	_, err = tr.Dequeue(ctx, "q", 30*time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	clock.Advance(31 * time.Second)
	second, err := tr.Dequeue(ctx, "q", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Deliveries)
	assert.NotEqual(t, first.Receipt, second.Receipt)

	assert.ErrorIs(t, tr.Ack(ctx, first), queue.ErrLeaseLost)
	require.NoError(t, tr.Ack(ctx, second))
}

func TestTransport_Delay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, "q", queue.Message{DocumentID: "a", Attempt: 2}, 5*time.Second))

	_, err := tr.Dequeue(ctx, "q", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	clock.Advance(5 * time.Second)
	d, err := tr.Dequeue(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Message.Attempt)
}

func TestTransport_Closed(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Close())

	err := tr.Enqueue(context.Background(), "q", queue.Message{}, 0)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
