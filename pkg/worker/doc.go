// Package worker provides a generic bounded worker pool.
//
// The pool is used wherever a callback must hand work off instead of running
// it inline, for example outbound command publishes triggered from a
// subscription handler. Submit is non-blocking and reports ErrQueueFull when
// the queue is saturated; Stop drains what is already queued.
//
//	pool, err := worker.NewPool(2, 64, func(ctx context.Context, job Job) error {
//		return job.Run(ctx)
//	})
//	if err != nil {
//		return err
//	}
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
package worker
