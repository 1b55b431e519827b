package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueueTest(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewQueue(client), mr
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, mr := setupQueueTest(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx,
		Event{Operation: OperationAdd, Source: "users", Username: "first"},
		Event{Operation: OperationAdd, Source: "users", Username: "second"},
	))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "first", d.Task.Event.Username, "queue is FIFO")
	assert.NotEmpty(t, d.Task.ID)

	processing, err := mr.List(processingKey)
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists(processingKey))
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := setupQueueTest(t)

	d, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_Recover(t *testing.T) {
	q, mr := setupQueueTest(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Event{Operation: OperationAdd, Username: "a"}, Event{Operation: OperationAdd, Username: "b"}))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(processingKey))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestQueue_RetryAndPromote(t *testing.T) {
	q, _ := setupQueueTest(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, Event{Operation: OperationAdd, Username: "retry-me"}))
	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, d, time.Minute))

	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	now = now.Add(2 * time.Minute)
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Task.Attempts)
	assert.Equal(t, d.Task.ID, again.Task.ID)
}

func TestQueue_DoneMarkers(t *testing.T) {
	q, mr := setupQueueTest(t)
	ctx := context.Background()

	done, err := q.IsDone(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, done)

	first, err := q.MarkDone(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = q.MarkDone(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, first)

	done, err = q.IsDone(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, DefaultDoneTTL, mr.TTL(donePrefix+":abc"))
}
