package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	queueKey      = "webhook-events"
	processingKey = "webhook-events:processing"
	delayedKey    = "webhook-events:delayed"
	donePrefix    = "webhook-event-done"

	// DefaultDoneTTL is how long a processed event digest suppresses redelivery
	DefaultDoneTTL = 7 * 24 * time.Hour
)

// Task is one queued event with its delivery bookkeeping
type Task struct {
	ID         string    `json:"task_id"`
	Event      Event     `json:"event"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a task taken from the queue. raw is the exact list value,
// needed to acknowledge it.
type Delivery struct {
	Task Task
	raw  string
}

// Queue is a Redis reliable queue: tasks move atomically to a processing
// list while being worked on and are removed only on acknowledgement.
type Queue struct {
	client  *redis.Client
	doneTTL time.Duration
	now     func() time.Time
}

// NewQueue creates a queue on client
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, doneTTL: DefaultDoneTTL, now: time.Now}
}

// Enqueue pushes events as new tasks
func (q *Queue) Enqueue(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(Task{ID: uuid.NewString(), Event: e, EnqueuedAt: q.now().UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		values = append(values, data)
	}
	if err := q.client.LPush(ctx, queueKey, values...).Err(); err != nil {
		return fmt.Errorf("enqueue webhook events: %w", err)
	}
	return nil
}

// Dequeue waits up to wait for a task. It returns nil, nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, queueKey, processingKey, wait).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("dequeue webhook event: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Unreadable entries would otherwise be recovered forever.
		q.client.LRem(ctx, processingKey, 1, raw)
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &Delivery{Task: task, raw: raw}, nil
}

// Ack removes a finished delivery from the processing list
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, processingKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack webhook event: %w", err)
	}
	return nil
}

// Retry acknowledges d and schedules its event again after delay with the
// attempt counter advanced.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.Task
	next.Attempts++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	due := float64(q.now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, d.raw)
		pipe.ZAdd(ctx, delayedKey, &redis.Z{Score: due, Member: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry webhook event: %w", err)
	}
	return nil
}

// PromoteDue moves delayed tasks whose time has come back to the queue.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("list delayed webhook events: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		// Only the caller that removes the member may push it.
		removed, err := q.client.ZRem(ctx, delayedKey, raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote webhook event: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queueKey, raw).Err(); err != nil {
			return promoted, fmt.Errorf("promote webhook event: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Recover moves every task left in the processing list by a previous run
// back onto the queue.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, processingKey, queueKey).Err()
		if err == redis.Nil {
			return moved, nil
		} else if err != nil {
			return moved, fmt.Errorf("recover webhook events: %w", err)
		}
		moved++
	}
}

// IsDone reports whether an event with digest was already processed
func (q *Queue) IsDone(ctx context.Context, digest string) (bool, error) {
	n, err := q.client.Exists(ctx, donePrefix+":"+digest).Result()
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

// MarkDone records digest as processed. It returns false when another
// worker got there first.
func (q *Queue) MarkDone(ctx context.Context, digest string) (bool, error) {
	ok, err := q.client.SetNX(ctx, donePrefix+":"+digest, q.now().UTC().Format(time.RFC3339), q.doneTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	return ok, nil
}

// Depth returns the number of tasks waiting, excluding delayed ones
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}
