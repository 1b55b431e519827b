package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingProcessor) Process(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func dequeueOne(t *testing.T, q *Queue) *Delivery {
	t.Helper()
	d, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestDispatcher_HandleSuccessThenDuplicate(t *testing.T) {
	q, mr := setupQueueTest(t)
	ctx := context.Background()
	proc := &recordingProcessor{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(q, proc, DispatcherConfig{}, nil, metrics)

	event := Event{ID: "jdoe", Operation: OperationAdd, Source: "users", Username: "jdoe", When: 42}
	require.NoError(t, q.Enqueue(ctx, event, event))

	require.NoError(t, d.Handle(ctx, dequeueOne(t, q)))
	require.NoError(t, d.Handle(ctx, dequeueOne(t, q)))

	assert.Equal(t, 1, proc.count(), "redelivered event is not processed twice")
	assert.False(t, mr.Exists(processingKey))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues(OperationAdd, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues(OperationAdd, "duplicate")))
}

func TestDispatcher_HandleRetriesThenDrops(t *testing.T) {
	q, mr := setupQueueTest(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	proc := &recordingProcessor{err: errors.New("portal unavailable")}
	d := NewDispatcher(q, proc, DispatcherConfig{Retry: RetryConfig{MaxAttempts: 2, InitialDelay: time.Second}}, nil, nil)

	require.NoError(t, q.Enqueue(ctx, Event{Operation: OperationAdd, Source: "users", Username: "flaky"}))

	err := d.Handle(ctx, dequeueOne(t, q))
	require.Error(t, err)
	assert.True(t, mr.Exists(delayedKey), "first failure is scheduled for retry")

	now = now.Add(time.Minute)
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = d.Handle(ctx, dequeueOne(t, q))
	require.Error(t, err)
	assert.False(t, mr.Exists(delayedKey), "attempts exhausted")
	assert.False(t, mr.Exists(processingKey))
	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)
	assert.Equal(t, 2, proc.count())
}

func TestDispatcher_Run(t *testing.T) {
	q, _ := setupQueueTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &recordingProcessor{}
	d := NewDispatcher(q, proc, DispatcherConfig{Workers: 2, PollInterval: 100 * time.Millisecond}, nil, nil)

	// a task stranded by a previous run
	require.NoError(t, q.Enqueue(ctx, Event{Operation: OperationUpdate, Source: "users", Username: "stranded"}))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, Event{Operation: OperationAdd, Source: "users", Username: "fresh"}))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return proc.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestHTTPProcessor(t *testing.T) {
	var got Payload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if len(got.Events) == 1 && got.Events[0].Username == "bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewHTTPProcessor(server.URL+"/add_user_to_groups", "internal-token", time.Second)

	require.NoError(t, p.Process(context.Background(), Event{Operation: OperationAdd, Source: "users", Username: "good"}))
	assert.Equal(t, "Bearer internal-token", auth)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "good", got.Events[0].Username)

	err := p.Process(context.Background(), Event{Operation: OperationAdd, Source: "users", Username: "bad"})
	assert.Error(t, err)
}
