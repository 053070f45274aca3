package testutil

import (
	"context"
	"sync"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/transport"
)

// Publication is one message sent through Transport.Publish.
type Publication struct {
	Topic   string
	Payload []byte
}

// Transport is an in-memory transport.Transport. Inbound traffic is
// produced with Inject; outbound traffic is captured for inspection.
// It counts how many underlying subscriptions were opened and closed per
// topic so tests can assert on reference counting.
type Transport struct {
	tracker transport.Tracker
	subs    transport.Subscriptions[struct{}]

	mu           sync.Mutex
	identity     string
	published    []Publication
	opened       map[string]int
	closed       map[string]int
	connectErr   error
	publishErr   error
	connectCalls int
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{
		opened: make(map[string]int),
		closed: make(map[string]int),
	}
}

// FailConnect makes subsequent Connect calls fail with err. nil clears it.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// FailPublish makes subsequent Publish calls fail with err. nil clears it.
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

func (t *Transport) Connect(_ context.Context, identity string) error {
	t.mu.Lock()
	t.connectCalls++
	failure := t.connectErr
	t.mu.Unlock()

	t.tracker.Set(transport.StateChecking)
	if failure != nil {
		t.tracker.Set(transport.StateError)
		return &errors.ConnectionError{Endpoint: "memory", Identity: identity, Err: failure}
	}

	t.mu.Lock()
	t.identity = identity
	t.mu.Unlock()
	t.bindPending()
	t.tracker.Set(transport.StateConnected)
	return nil
}

func (t *Transport) Disconnect(context.Context) error {
	t.unbindAll()
	t.tracker.Set(transport.StateDisconnected)
	return nil
}

// Reconnect simulates a dropped connection that the client restores on
// its own: live subscriptions are torn down and re-established.
func (t *Transport) Reconnect() {
	t.unbindAll()
	t.tracker.Set(transport.StateReconnecting)
	t.bindPending()
	t.tracker.Set(transport.StateConnected)
}

// SetState forces a state transition without touching subscriptions.
func (t *Transport) SetState(s transport.State) {
	t.tracker.Set(s)
}

func (t *Transport) Publish(_ context.Context, topic string, payload []byte) error {
	if t.tracker.Load() != transport.StateConnected {
		return &errors.PublishError{Topic: topic, Err: errors.ErrNotConnected}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return &errors.PublishError{Topic: topic, Err: t.publishErr}
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.published = append(t.published, Publication{Topic: topic, Payload: cp})
	return nil
}

func (t *Transport) Subscribe(topic string, handler transport.Handler) (*transport.SubscriptionHandle, error) {
	if topic == "" || handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "testutil.Transport", "Subscribe", "topic and handler required")
	}
	h := t.subs.Add(topic, handler)
	if t.tracker.Load() == transport.StateConnected {
		t.bind(h)
	}
	return h, nil
}

func (t *Transport) Unsubscribe(h *transport.SubscriptionHandle) error {
	e, ok := t.subs.Remove(h)
	if ok && e.Bound {
		t.mu.Lock()
		t.closed[h.Topic()]++
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) OnConnectionChange(fn func(transport.State)) (detach func()) {
	return t.tracker.OnChange(fn)
}

func (t *Transport) State() transport.State {
	return t.tracker.Load()
}

// Inject delivers payload to every live subscription on topic, in
// subscription order, on the caller's goroutine. Returns the number of
// handlers invoked; nothing is delivered while disconnected.
func (t *Transport) Inject(topic string, payload []byte) int {
	if t.tracker.Load() != transport.StateConnected {
		return 0
	}
	n := 0
	for _, e := range t.subs.All() {
		if e.Bound && e.Handle.Topic() == topic {
			_ = transport.Deliver(context.Background(), nil, e.Handler, topic, payload)
			n++
		}
	}
	return n
}

// Published returns a copy of every captured publication.
func (t *Transport) Published() []Publication {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Publication, len(t.published))
	copy(out, t.published)
	return out
}

// Opened reports how many underlying subscriptions were opened for topic.
func (t *Transport) Opened(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[topic]
}

// Closed reports how many underlying subscriptions were closed for topic.
func (t *Transport) Closed(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed[topic]
}

// Identity returns the identity of the last successful Connect.
func (t *Transport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// Active returns the number of recorded subscription intents.
func (t *Transport) Active() int {
	return t.subs.Len()
}

func (t *Transport) bindPending() {
	for _, e := range t.subs.Unbound() {
		t.bind(e.Handle)
	}
}

func (t *Transport) bind(h *transport.SubscriptionHandle) {
	if t.subs.Bind(h, struct{}{}) {
		t.mu.Lock()
		t.opened[h.Topic()]++
		t.mu.Unlock()
	}
}

func (t *Transport) unbindAll() {
	for _, e := range t.subs.All() {
		if e.Bound {
			t.mu.Lock()
			t.closed[e.Handle.Topic()]++
			t.mu.Unlock()
		}
	}
	t.subs.UnbindAll()
}
