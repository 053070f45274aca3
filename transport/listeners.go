package transport

import (
	"sort"
	"sync"
)

// Listeners is a set of callbacks that all receive every notified value.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn. The returned detach removes it and may be called any
// number of times.
func (l *Listeners[T]) Add(fn func(T)) (detach func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Notify calls every registered listener in registration order. Listeners
// run outside the lock and may detach themselves or others.
func (l *Listeners[T]) Notify(v T) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = l.fns[id]
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of attached listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
