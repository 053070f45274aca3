package cache

import (
	"sync"
)

// simpleCache keeps entries until they are explicitly removed.
type simpleCache[V any] struct {
	mu      sync.RWMutex
	items   map[string]V
	rec     recorder
	evictFn EvictCallback[V]
}

func newSimpleCache[V any](opts *cacheOptions[V]) (*simpleCache[V], error) {
	rec, err := newRecorder(opts, "newSimpleCache")
	if err != nil {
		return nil, err
	}
	return &simpleCache[V]{
		items:   make(map[string]V),
		rec:     rec,
		evictFn: opts.evictCallback,
	}, nil
}

func (c *simpleCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	value, exists := c.items[key]
	c.mu.RUnlock()

	if exists {
		c.rec.hit()
	} else {
		c.rec.miss()
	}
	return value, exists
}

func (c *simpleCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = value
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(1)
	c.rec.size(size)
	return !exists, nil
}

func (c *simpleCache[V]) SetBatch(entries map[string]V, accept AcceptFunc[V]) (int, error) {
	if err := validateBatch(entries); err != nil {
		return 0, err
	}
	written := 0
	c.mu.Lock()
	for key, next := range entries {
		current, exists := c.items[key]
		if accept != nil && !accept(key, current, exists, next) {
			continue
		}
		c.items[key] = next
		written++
	}
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(written)
	c.rec.size(size)
	return written, nil
}

func (c *simpleCache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	value, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		c.rec.miss()
		return value, false
	}
	c.rec.hit()
	c.rec.deleted()
	c.rec.size(size)
	return value, true
}

func (c *simpleCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	value, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.rec.deleted()
		c.rec.size(size)
		notify(c.evictFn, []evicted[V]{{key: key, value: value}})
	}
	return exists, nil
}

func (c *simpleCache[V]) Clear() error {
	c.mu.Lock()
	var removed []evicted[V]
	if c.evictFn != nil {
		removed = make([]evicted[V], 0, len(c.items))
		for key, value := range c.items {
			removed = append(removed, evicted[V]{key: key, value: value})
		}
	}
	c.items = make(map[string]V)
	c.mu.Unlock()

	c.rec.size(0)
	notify(c.evictFn, removed)
	return nil
}

func (c *simpleCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *simpleCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys
}

func (c *simpleCache[V]) Snapshot() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]V, len(c.items))
	for key, value := range c.items {
		out[key] = value
	}
	return out
}

func (c *simpleCache[V]) Stats() *Statistics {
	return c.rec.stats
}

// Close is a no-op; the simple cache owns no goroutines.
func (c *simpleCache[V]) Close() error {
	return nil
}
