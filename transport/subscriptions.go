package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Entry is one recorded subscription. Binding holds the implementation's
// live subscription object and is only meaningful when Bound is true.
type Entry[B any] struct {
	Handle  *SubscriptionHandle
	Handler Handler
	Binding B
	Bound   bool
	seq     uint64
}

// Subscriptions records subscription intents independently of the
// connection so they survive disconnects. B is the implementation's live
// subscription type.
type Subscriptions[B any] struct {
	mu      sync.Mutex
	seq     uint64
	entries map[uuid.UUID]*Entry[B]
}

// Add records a new intent for topic.
func (s *Subscriptions[B]) Add(topic string, handler Handler) *SubscriptionHandle {
	h := NewHandle(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[uuid.UUID]*Entry[B])
	}
	s.seq++
	s.entries[h.id] = &Entry[B]{Handle: h, Handler: handler, seq: s.seq}
	return h
}

// Remove consumes h and returns its entry. The second and later calls for
// the same handle return false.
func (s *Subscriptions[B]) Remove(h *SubscriptionHandle) (Entry[B], bool) {
	if h == nil || !h.release() {
		return Entry[B]{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h.id]
	if !ok {
		return Entry[B]{}, false
	}
	delete(s.entries, h.id)
	return *e, true
}

// Bind attaches the live binding to h. It returns false if h was released
// in the meantime, in which case the caller owns b and must close it.
func (s *Subscriptions[B]) Bind(h *SubscriptionHandle, b B) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h.id]
	if !ok {
		return false
	}
	e.Binding = b
	e.Bound = true
	return true
}

// Unbound returns the entries that have no live binding, oldest first.
func (s *Subscriptions[B]) Unbound() []Entry[B] {
	return s.collect(func(e *Entry[B]) bool { return !e.Bound })
}

// All returns every recorded entry, oldest first.
func (s *Subscriptions[B]) All() []Entry[B] {
	return s.collect(func(*Entry[B]) bool { return true })
}

// UnbindAll forgets every live binding and returns them so the caller can
// close them. Intents stay recorded.
func (s *Subscriptions[B]) UnbindAll() []B {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []B
	for _, e := range s.entries {
		if e.Bound {
			out = append(out, e.Binding)
			var zero B
			e.Binding = zero
			e.Bound = false
		}
	}
	return out
}

// Topics returns the distinct topics with at least one intent.
func (s *Subscriptions[B]) Topics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range s.All() {
		if _, ok := seen[e.Handle.topic]; !ok {
			seen[e.Handle.topic] = struct{}{}
			out = append(out, e.Handle.topic)
		}
	}
	return out
}

// ForTopic returns the handlers currently recorded for topic.
func (s *Subscriptions[B]) ForTopic(topic string) []Handler {
	var out []Handler
	for _, e := range s.collect(func(e *Entry[B]) bool { return e.Handle.topic == topic }) {
		out = append(out, e.Handler)
	}
	return out
}

func (s *Subscriptions[B]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Subscriptions[B]) collect(keep func(*Entry[B]) bool) []Entry[B] {
	s.mu.Lock()
	out := make([]Entry[B], 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Deliver invokes handler and converts a panic into a logged error so a
// faulty handler cannot take down the transport's delivery goroutine.
func Deliver(ctx context.Context, logger *slog.Logger, handler Handler, topic string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", topic, r)
			if logger != nil {
				logger.Error("subscription handler panicked", "topic", topic, "panic", r)
			}
		}
	}()
	handler(ctx, topic, payload)
	return nil
}
