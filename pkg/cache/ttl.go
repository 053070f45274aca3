package cache

import (
	"context"
	"sync"
	"time"

	"github.com/idompolo/call-agent-sub001/errors"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlCache drops entries once they outlive ttl. Expired entries are
// invisible to readers immediately and are reclaimed by a background sweep.
type ttlCache[V any] struct {
	mu              sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	rec             recorder
	evictFn         EvictCallback[V]
	now             func() time.Time

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

func newTTLCache[V any](
	ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions[V],
) (*ttlCache[V], error) {
	rec, err := newRecorder(opts, "newTTLCache")
	if err != nil {
		return nil, err
	}
	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		rec:             rec,
		evictFn:         opts.evictCallback,
		now:             time.Now,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	entry, exists := c.items[key]
	var removed []evicted[V]
	if exists && entry.expired(c.now()) {
		delete(c.items, key)
		removed = []evicted[V]{{key: key, value: entry.value}}
		exists = false
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(removed) > 0 {
		c.rec.evicted(1)
		c.rec.size(size)
		notify(c.evictFn, removed)
	}
	if !exists {
		c.rec.miss()
		var zero V
		return zero, false
	}
	c.rec.hit()
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	now := c.now()
	c.mu.Lock()
	current, exists := c.items[key]
	created := !exists || current.expired(now)
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(1)
	c.rec.size(size)
	return created, nil
}

func (c *ttlCache[V]) SetBatch(entries map[string]V, accept AcceptFunc[V]) (int, error) {
	if err := validateBatch(entries); err != nil {
		return 0, err
	}
	now := c.now()
	written := 0
	c.mu.Lock()
	for key, next := range entries {
		var current V
		entry, exists := c.items[key]
		if exists && entry.expired(now) {
			exists = false
		} else if exists {
			current = entry.value
		}
		if accept != nil && !accept(key, current, exists, next) {
			continue
		}
		c.items[key] = &ttlEntry[V]{value: next, expiresAt: now.Add(c.ttl)}
		written++
	}
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(written)
	c.rec.size(size)
	return written, nil
}

func (c *ttlCache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	live := exists && !entry.expired(c.now())
	size := len(c.items)
	c.mu.Unlock()

	if !live {
		if exists {
			c.rec.evicted(1)
			c.rec.size(size)
			notify(c.evictFn, []evicted[V]{{key: key, value: entry.value}})
		}
		c.rec.miss()
		var zero V
		return zero, false
	}
	c.rec.hit()
	c.rec.deleted()
	c.rec.size(size)
	return entry.value, true
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.rec.deleted()
		c.rec.size(size)
		notify(c.evictFn, []evicted[V]{{key: key, value: entry.value}})
	}
	return exists, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	var removed []evicted[V]
	if c.evictFn != nil {
		removed = make([]evicted[V], 0, len(c.items))
		for key, entry := range c.items {
			removed = append(removed, evicted[V]{key: key, value: entry.value})
		}
	}
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	c.rec.size(0)
	notify(c.evictFn, removed)
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys skips entries that have expired but not yet been swept.
func (c *ttlCache[V]) Keys() []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Snapshot() map[string]V {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]V, len(c.items))
	for key, entry := range c.items {
		if !entry.expired(now) {
			out[key] = entry.value
		}
	}
	return out
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.rec.stats
}

// Close stops the background sweep and waits for it to exit.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "cache", "Close", "waiting for cleanup goroutine")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ttlCache[V]) sweep() {
	now := c.now()
	var removed []evicted[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expired(now) {
			removed = append(removed, evicted[V]{key: key, value: entry.value})
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	c.rec.evicted(len(removed))
	c.rec.size(size)
	notify(c.evictFn, removed)
}
