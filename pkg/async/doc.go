// Package async runs background work with panic recovery and timeouts.
//
// SafeGo detaches one task. WorkerPool bounds concurrency for a stream of
// tasks, such as webhook events pulled from the queue:
//
//	pool := async.NewWorkerPool(ctx, 4, "webhook events", 30*time.Second, logger)
//	defer pool.Shutdown(10 * time.Second)
//
//	pool.Submit(ctx, func(ctx context.Context) error {
//		return processor.Process(ctx, event)
//	})
package async
