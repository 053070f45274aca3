// Package mux shares one transport subscription per topic among any number
// of independent handlers.
//
// The first Subscribe for a topic opens the underlying subscription and the
// last Detach closes it, exactly once each. Inbound messages are queued per
// topic and handed to every attached handler in arrival order, one handler
// at a time, on a goroutine owned by that topic. Topics never wait on each
// other.
package mux

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/transport"
)

// Multiplexer fans transport messages out to attached handlers.
type Multiplexer struct {
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*topicEntry
	closed bool
	wg     sync.WaitGroup
}

type topicEntry struct {
	topic       string
	handle      *transport.SubscriptionHandle
	attachments []*Attachment
	queue       *queue
}

// Attachment is the token returned by Subscribe.
type Attachment struct {
	id       uuid.UUID
	topic    string
	handler  transport.Handler
	mux      *Multiplexer
	detached atomic.Bool
}

func (a *Attachment) ID() uuid.UUID  { return a.id }
func (a *Attachment) Topic() string  { return a.topic }
func (a *Attachment) Detached() bool { return a.detached.Load() }

// Detach removes the handler. Safe to call more than once and from inside
// the handler itself; a delivery already running completes, later ones are
// skipped.
func (a *Attachment) Detach() error {
	if !a.detached.CompareAndSwap(false, true) {
		return nil
	}
	return a.mux.detach(a)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = metrics
	}
}

// New creates a multiplexer over t.
func New(t transport.Transport, opts ...Option) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		transport: t,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string]*topicEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mux")
	return m
}

// Subscribe attaches handler to topic, opening the transport subscription
// if this is the topic's first handler.
func (m *Multiplexer) Subscribe(topic string, handler transport.Handler) (*Attachment, error) {
	if topic == "" || handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "mux", "Subscribe", "topic and handler required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "mux", "Subscribe", "multiplexer closed")
	}

	entry, ok := m.topics[topic]
	if !ok {
		entry = &topicEntry{topic: topic, queue: newQueue()}
		q := entry.queue
		h, err := m.transport.Subscribe(topic, func(_ context.Context, _ string, payload []byte) {
			q.push(message{payload: payload})
		})
		if err != nil {
			return nil, errors.Wrap(err, "mux", "Subscribe", "open transport subscription")
		}
		entry.handle = h
		m.topics[topic] = entry
		m.metrics.SetActiveTopics(len(m.topics))

		m.wg.Add(1)
		go m.deliver(entry)
		m.logger.Debug("topic opened", "topic", topic)
	}

	a := &Attachment{id: uuid.New(), topic: topic, handler: handler, mux: m}
	entry.attachments = append(entry.attachments, a)
	return a, nil
}

func (m *Multiplexer) detach(a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.topics[a.topic]
	if !ok {
		return nil
	}
	for i, other := range entry.attachments {
		if other == a {
			entry.attachments = append(entry.attachments[:i], entry.attachments[i+1:]...)
			break
		}
	}
	if len(entry.attachments) > 0 {
		return nil
	}
	return m.closeTopicLocked(entry)
}

func (m *Multiplexer) closeTopicLocked(entry *topicEntry) error {
	delete(m.topics, entry.topic)
	m.metrics.SetActiveTopics(len(m.topics))
	entry.queue.close()
	m.logger.Debug("topic closed", "topic", entry.topic)

	if err := m.transport.Unsubscribe(entry.handle); err != nil {
		return errors.Wrap(err, "mux", "Detach", "close transport subscription")
	}
	return nil
}

// deliver drains one topic's queue. The handler list is read per message,
// so attachments added or removed between messages take effect on the next.
func (m *Multiplexer) deliver(entry *topicEntry) {
	defer m.wg.Done()
	for {
		msg, ok := entry.queue.pop()
		if !ok {
			return
		}

		m.mu.Lock()
		handlers := append([]*Attachment(nil), entry.attachments...)
		m.mu.Unlock()

		for _, a := range handlers {
			if a.detached.Load() {
				continue
			}
			if err := transport.Deliver(m.ctx, m.logger, a.handler, entry.topic, msg.payload); err != nil {
				m.metrics.RecordHandlerPanic(entry.topic)
				continue
			}
			m.metrics.RecordDelivery(entry.topic)
		}
	}
}

// RefCount returns the number of handlers attached to topic.
func (m *Multiplexer) RefCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.topics[topic]; ok {
		return len(entry.attachments)
	}
	return 0
}

// Topics returns the open topics, sorted.
func (m *Multiplexer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of queued, undelivered messages for topic.
func (m *Multiplexer) Pending(topic string) int {
	m.mu.Lock()
	entry, ok := m.topics[topic]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.queue.len()
}

// Close detaches every handler, closes every transport subscription and
// waits for delivery goroutines to finish their current message.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var firstErr error
	for _, entry := range m.topics {
		for _, a := range entry.attachments {
			a.detached.Store(true)
		}
		entry.attachments = nil
		if err := m.closeTopicLocked(entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return firstErr
}
