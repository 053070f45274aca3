// Package retry provides exponential backoff retry logic for transient failures.
//
// The transports use it for their connect and redial loops:
//
//	cfg := retry.Reconnect()
//	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
//	    logger.Warn("relay dial failed", "attempt", attempt, "error", err, "retry_in", next)
//	}
//	err := retry.Do(ctx, cfg, func() error { return c.dial(ctx) })
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Reconnect(): unbounded attempts, 250ms-30s delay
//
// Wrap an error with NonRetryable to stop immediately (for example when the
// relay host rejects the identity). All operations stop when the context ends,
// either during the operation or during the backoff sleep.
package retry
