package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/geoplatform/arcgis-relay/pkg/async"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

// Processor applies one event. It must be safe to call more than once for
// the same event.
type Processor interface {
	Process(ctx context.Context, event Event) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, event Event) error

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// DispatcherConfig configures the worker side of the queue
type DispatcherConfig struct {
	Workers         int
	TaskTimeout     time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	Retry           RetryConfig
}

// Dispatcher pulls tasks from the queue and hands them to a worker pool
type Dispatcher struct {
	queue     *Queue
	processor Processor
	retry     *RetryPolicy
	cfg       DispatcherConfig
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewDispatcher creates a dispatcher. logger and metrics may be nil.
func NewDispatcher(queue *Queue, processor Processor, cfg DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		retry:     NewRetryPolicy(cfg.Retry),
		cfg:       cfg,
		logger:    logger.WithField("component", "webhook_dispatcher"),
		metrics:   metrics,
	}
}

// Run processes events until ctx is cancelled. Tasks stranded by a previous
// process are recovered first.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		d.logger.WithField("count", recovered).Warn("Requeued webhook events left in processing")
	}

	pool := async.NewWorkerPool(ctx, d.cfg.Workers, "webhook events", d.cfg.TaskTimeout, d.logger)
	defer func() {
		if err := pool.Shutdown(d.cfg.ShutdownTimeout); err != nil {
			d.logger.WithError(err).Warn("Webhook worker pool did not drain")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := d.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Warn("Failed to promote delayed webhook events")
		}

		delivery, err := d.queue.Dequeue(ctx, d.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.WithError(err).Error("Failed to dequeue webhook event")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		d.observeDepth(ctx)
		if delivery == nil {
			continue
		}

		if err := pool.Submit(ctx, func(taskCtx context.Context) error {
			return d.Handle(taskCtx, delivery)
		}); err != nil {
			// The task stays in the processing list and is recovered on restart.
			d.logger.WithError(err).Warn("Webhook worker pool rejected event")
			return nil
		}
	}
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if depth, err := d.queue.Depth(ctx); err == nil {
		d.metrics.WebhookQueueDepth.Set(float64(depth))
	}
}

// Handle processes one delivery: duplicates are acknowledged, successes are
// recorded as done, failures are retried with backoff until attempts run out.
func (d *Dispatcher) Handle(ctx context.Context, delivery *Delivery) error {
	event := delivery.Task.Event
	digest := event.Digest()
	logger := d.logger.WithFields(map[string]interface{}{
		"task_id":   delivery.Task.ID,
		"operation": event.Operation,
		"subject":   event.Subject(),
		"attempt":   delivery.Task.Attempts + 1,
	})
	// Bookkeeping must survive the task deadline.
	bookCtx := context.WithoutCancel(ctx)

	done, err := d.queue.IsDone(ctx, digest)
	if err != nil {
		logger.WithError(err).Warn("Idempotency check failed, processing anyway")
	}
	if done {
		logger.Debug("Skipping already processed webhook event")
		d.count(event, "duplicate")
		return d.queue.Ack(bookCtx, delivery)
	}

	procErr := d.processor.Process(ctx, event)
	if procErr == nil {
		if first, err := d.queue.MarkDone(bookCtx, digest); err != nil {
			logger.WithError(err).Warn("Failed to record processed webhook event")
		} else if !first {
			logger.Debug("Webhook event was processed concurrently")
		}
		d.count(event, "success")
		return d.queue.Ack(bookCtx, delivery)
	}

	attempts := delivery.Task.Attempts + 1
	if d.retry.ShouldRetry(attempts, procErr) {
		delay := d.retry.NextRetryDelay(attempts)
		logger.WithError(procErr).WithField("retry_in", delay.String()).Warn("Webhook event failed, scheduling retry")
		d.count(event, "retry")
		if err := d.queue.Retry(bookCtx, delivery, delay); err != nil {
			return errors.Join(procErr, err)
		}
		return procErr
	}

	logger.WithError(procErr).Error("Webhook event failed permanently, dropping")
	d.count(event, "dropped")
	if err := d.queue.Ack(bookCtx, delivery); err != nil {
		return errors.Join(procErr, err)
	}
	return procErr
}

func (d *Dispatcher) count(event Event, result string) {
	if d.metrics == nil {
		return
	}
	d.metrics.WebhookEventsTotal.WithLabelValues(event.Operation, result).Inc()
}

// HTTPProcessor forwards each event to the relay's internal processing
// endpoint.
type HTTPProcessor struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPProcessor posts events to url with token as a bearer credential
func NewHTTPProcessor(url, token string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProcessor{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Process posts a single-event payload
func (p *HTTPProcessor) Process(ctx context.Context, event Event) error {
	body, err := json.Marshal(Payload{Events: []Event{event}})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event processor returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
