package cache

import (
	"container/list"
	"sync"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache evicts the least recently used entry once maxSize is exceeded.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	rec     recorder
	evictFn EvictCallback[V]
}

func newLRUCache[V any](maxSize int, opts *cacheOptions[V]) (*lruCache[V], error) {
	rec, err := newRecorder(opts, "newLRUCache")
	if err != nil {
		return nil, err
	}
	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		rec:     rec,
		evictFn: opts.evictCallback,
	}, nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		c.rec.miss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	value := element.Value.(*lruEntry[V]).value
	c.mu.Unlock()

	c.rec.hit()
	return value, true
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	created := c.putLocked(key, value)
	removed := c.trimLocked()
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(1)
	c.rec.evicted(len(removed))
	c.rec.size(size)
	notify(c.evictFn, removed)
	return created, nil
}

func (c *lruCache[V]) SetBatch(entries map[string]V, accept AcceptFunc[V]) (int, error) {
	if err := validateBatch(entries); err != nil {
		return 0, err
	}
	written := 0
	c.mu.Lock()
	for key, next := range entries {
		var current V
		element, exists := c.items[key]
		if exists {
			current = element.Value.(*lruEntry[V]).value
		}
		if accept != nil && !accept(key, current, exists, next) {
			continue
		}
		c.putLocked(key, next)
		written++
	}
	removed := c.trimLocked()
	size := len(c.items)
	c.mu.Unlock()

	c.rec.set(written)
	c.rec.evicted(len(removed))
	c.rec.size(size)
	notify(c.evictFn, removed)
	return written, nil
}

func (c *lruCache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		c.rec.miss()
		var zero V
		return zero, false
	}
	value := element.Value.(*lruEntry[V]).value
	c.removeLocked(element)
	size := len(c.items)
	c.mu.Unlock()

	c.rec.hit()
	c.rec.deleted()
	c.rec.size(size)
	return value, true
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	entry := element.Value.(*lruEntry[V])
	c.removeLocked(element)
	size := len(c.items)
	c.mu.Unlock()

	c.rec.deleted()
	c.rec.size(size)
	notify(c.evictFn, []evicted[V]{{key: entry.key, value: entry.value}})
	return true, nil
}

func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	var removed []evicted[V]
	if c.evictFn != nil {
		removed = make([]evicted[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			entry := element.Value.(*lruEntry[V])
			removed = append(removed, evicted[V]{key: entry.key, value: entry.value})
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.rec.size(0)
	notify(c.evictFn, removed)
	return nil
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys most recently used first.
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Snapshot() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]V, len(c.items))
	for key, element := range c.items {
		out[key] = element.Value.(*lruEntry[V]).value
	}
	return out
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.rec.stats
}

func (c *lruCache[V]) Close() error {
	return nil
}

// putLocked inserts or refreshes key. Caller holds c.mu.
func (c *lruCache[V]) putLocked(key string, value V) bool {
	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		return false
	}
	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	return true
}

// trimLocked drops least recently used entries until the cache fits.
// Caller holds c.mu and runs the eviction callbacks after unlocking.
func (c *lruCache[V]) trimLocked() []evicted[V] {
	var removed []evicted[V]
	for len(c.items) > c.maxSize {
		element := c.order.Back()
		if element == nil {
			break
		}
		entry := element.Value.(*lruEntry[V])
		removed = append(removed, evicted[V]{key: entry.key, value: entry.value})
		c.removeLocked(element)
	}
	return removed
}

func (c *lruCache[V]) removeLocked(element *list.Element) {
	delete(c.items, element.Value.(*lruEntry[V]).key)
	c.order.Remove(element)
}
