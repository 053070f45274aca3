package transport

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives one inbound message. Handlers run on the transport's
// delivery goroutine and must not block for long.
type Handler func(ctx context.Context, topic string, payload []byte)

// Transport is a publish/subscribe connection to the dispatch backend.
//
// Subscribe may be called in any state. Intents recorded while disconnected
// are established on connect, and every active subscription is restored
// after a reconnect without caller involvement.
type Transport interface {
	// Connect starts a session for identity. Failures are returned as
	// *errors.ConnectionError; the transport keeps retrying in the
	// background until Disconnect.
	Connect(ctx context.Context, identity string) error

	// Disconnect ends the session. Subscriptions stay recorded.
	Disconnect(ctx context.Context) error

	// Publish sends payload on topic. Failures are returned as
	// *errors.PublishError and are never retried.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns its handle.
	Subscribe(topic string, handler Handler) (*SubscriptionHandle, error)

	// Unsubscribe releases h. Releasing a handle twice is a no-op.
	Unsubscribe(h *SubscriptionHandle) error

	// OnConnectionChange registers fn for state transitions.
	OnConnectionChange(fn func(State)) (detach func())

	// State returns the current connection state.
	State() State
}

// SubscriptionHandle is the token returned by Subscribe. It is consumed by
// exactly one successful release.
type SubscriptionHandle struct {
	id       uuid.UUID
	topic    string
	released atomic.Bool
}

// NewHandle creates a fresh handle for topic.
func NewHandle(topic string) *SubscriptionHandle {
	return &SubscriptionHandle{id: uuid.New(), topic: topic}
}

func (h *SubscriptionHandle) ID() uuid.UUID { return h.id }
func (h *SubscriptionHandle) Topic() string { return h.topic }

// Released reports whether the handle has been consumed.
func (h *SubscriptionHandle) Released() bool {
	return h.released.Load()
}

// release marks the handle consumed. Only the first call returns true.
func (h *SubscriptionHandle) release() bool {
	return h.released.CompareAndSwap(false, true)
}
