package cache

import (
	"fmt"

	"github.com/idompolo/call-agent-sub001/errors"
)

// Cache is a generic, thread-safe keyed store. Every implementation keeps
// statistics and can optionally export them as Prometheus metrics.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	// SetBatch applies all entries under a single lock so readers observe
	// either none or all of them. When accept is non-nil it is consulted
	// per entry and rejected entries leave the current value in place.
	// Returns the number of entries written.
	SetBatch(entries map[string]V, accept AcceptFunc[V]) (int, error)

	// Take removes an entry and returns its value in one step.
	Take(key string) (V, bool)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys currently held.
	Keys() []string

	// Snapshot returns a point-in-time copy of every live entry.
	Snapshot() map[string]V

	// Stats returns the live statistics counters.
	Stats() *Statistics

	// Close releases background resources.
	Close() error
}

// AcceptFunc decides whether next may replace the current value for key.
// exists is false when the key is not yet present.
type AcceptFunc[V any] func(key string, current V, exists bool, next V) bool

// EvictCallback is called when an entry leaves the cache other than by Set.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// validateBatch rejects the whole batch if any key is invalid so that a
// failed batch never leaves a partial write behind.
func validateBatch[V any](entries map[string]V) error {
	for key := range entries {
		if key == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "cache", "SetBatch",
				fmt.Sprintf("batch of %d contains an empty key", len(entries)))
		}
	}
	return nil
}

// recorder fans operation counts out to the statistics tracker and, when
// configured, the Prometheus collectors.
type recorder struct {
	stats   *Statistics
	metrics *cacheMetrics
}

func newRecorder[V any](opts *cacheOptions[V], method string) (recorder, error) {
	r := recorder{stats: NewStatistics()}
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		m, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return r, errors.WrapTransient(err, "cache", method, "metrics registration")
		}
		r.metrics = m
	}
	return r, nil
}

func (r recorder) hit() {
	r.stats.Hit()
	if r.metrics != nil {
		r.metrics.recordHit()
	}
}

func (r recorder) miss() {
	r.stats.Miss()
	if r.metrics != nil {
		r.metrics.recordMiss()
	}
}

func (r recorder) set(n int) {
	for i := 0; i < n; i++ {
		r.stats.Set()
		if r.metrics != nil {
			r.metrics.recordSet()
		}
	}
}

func (r recorder) deleted() {
	r.stats.Delete()
	if r.metrics != nil {
		r.metrics.recordDelete()
	}
}

func (r recorder) evicted(n int) {
	for i := 0; i < n; i++ {
		r.stats.Eviction()
		if r.metrics != nil {
			r.metrics.recordEviction()
		}
	}
}

func (r recorder) size(n int) {
	r.stats.UpdateSize(int64(n))
	if r.metrics != nil {
		r.metrics.updateSize(n)
	}
}

type evicted[V any] struct {
	key   string
	value V
}

func notify[V any](fn EvictCallback[V], items []evicted[V]) {
	if fn == nil {
		return
	}
	for _, item := range items {
		fn(item.key, item.value)
	}
}
