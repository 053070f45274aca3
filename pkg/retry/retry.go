package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Unbounded as MaxAttempts retries until success, a NonRetryable error or
// the end of the context.
const Unbounded = math.MaxInt32

const maxMultiplier = 1000

// NonRetryableError stops Do at the attempt that returned it.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable marks err as final. A nil err stays nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return errors.As(err, &target)
}

// Config describes an exponential backoff. Zero durations and multiplier
// take the DefaultConfig values; MaxAttempts below one means a single try.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AddJitter stretches each delay by up to a quarter.
	AddJitter bool

	// OnRetry runs after a failed attempt, before the sleep of length next.
	OnRetry func(attempt int, err error, next time.Duration)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Reconnect is the transport redial policy: unbounded attempts starting at
// 250ms and doubling up to 30s.
func Reconnect() Config {
	return Config{
		MaxAttempts:  Unbounded,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: delays and multiplier must not be negative")
	}
	def := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = def.Multiplier
	}
	c.Multiplier = math.Min(c.Multiplier, maxMultiplier)
	if c.MaxDelay < c.InitialDelay {
		return c, fmt.Errorf("retry: MaxDelay %v is below InitialDelay %v", c.MaxDelay, c.InitialDelay)
	}
	return c, nil
}

// backoff yields the sleep before each retry.
type backoff struct {
	cfg   Config
	delay time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.delay
	if b.cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	grown := time.Duration(float64(b.delay) * b.cfg.Multiplier)
	b.delay = min(grown, b.cfg.MaxDelay)
	return d
}

// Do calls fn until it succeeds, returns a NonRetryable error, the attempts
// run out or ctx ends.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}
	b := backoff{cfg: cfg, delay: cfg.InitialDelay}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, err)
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, lastErr)
		}

		wait := b.next()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for functions that also return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
