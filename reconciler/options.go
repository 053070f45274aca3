package reconciler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/idompolo/call-agent-sub001/metric"
)

// Option configures a Reconciler.
type Option func(*Reconciler) error

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) error {
		if logger != nil {
			r.logger = logger.With("component", "reconciler")
		}
		return nil
	}
}

// WithMetrics records per-kind outcomes and store sizes.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Reconciler) error {
		r.metrics = m
		return nil
	}
}

// WithCacheMetrics exports statistics of the parked-update and seen-event
// caches.
func WithCacheMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Reconciler) error {
		r.cacheReg = registry
		return nil
	}
}

// WithTopics replaces the topic table. Topics missing from the table are
// classified by payload shape.
func WithTopics(topics map[string]Kind) Option {
	return func(r *Reconciler) error {
		if len(topics) == 0 {
			return fmt.Errorf("topic table is empty")
		}
		table := make(map[string]Kind, len(topics))
		for topic, kind := range topics {
			if topic == "" {
				return fmt.Errorf("topic table has an empty topic")
			}
			table[topic] = kind
		}
		r.topics = table
		return nil
	}
}

// WithParkTTL sets how long an update for an unknown order waits for the
// order's add event.
func WithParkTTL(ttl time.Duration) Option {
	return func(r *Reconciler) error {
		if ttl <= 0 {
			return fmt.Errorf("park ttl must be positive, got %v", ttl)
		}
		r.parkTTL = ttl
		return nil
	}
}

// WithDedupSize sets how many event ids are remembered for duplicate
// suppression.
func WithDedupSize(n int) Option {
	return func(r *Reconciler) error {
		if n <= 0 {
			return fmt.Errorf("dedup size must be positive, got %d", n)
		}
		r.dedupSize = n
		return nil
	}
}

// WithClock replaces the time source for defaulted timestamps.
func WithClock(now func() int64) Option {
	return func(r *Reconciler) error {
		if now == nil {
			return fmt.Errorf("clock is nil")
		}
		r.now = now
		return nil
	}
}
