package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors
// and panics are logged, never propagated.
//
// Example:
//
//	SafeGo(ctx, logger, time.Minute, "initial group sync", func(ctx context.Context) error {
//	    _, err := syncer.Run(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("Background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Error("Background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers. Each task
// gets its own timeout derived from the pool context.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	doneCh chan struct{}
	errCh  chan error

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines. Submit blocks once workers*2
// tasks are waiting.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues fn. It blocks while the queue is full and fails once the
// pool is shut down or ctx ends.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns task failures. Errors are dropped when nobody reads.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("Error channel full, dropping error")
	}
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(map[string]interface{}{
				"worker": id,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("Worker task panicked")
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}
