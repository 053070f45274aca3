package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateChecking, StateConnected, StateReconnecting, StateError} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	_, err := ParseState("flapping")
	assert.Error(t, err)
	assert.Equal(t, "state(42)", State(42).String())
}

func TestTracker_NotifiesOnlyOnChange(t *testing.T) {
	var tr Tracker
	var seen []State
	detach := tr.OnChange(func(s State) { seen = append(seen, s) })

	assert.False(t, tr.Set(StateDisconnected))
	assert.True(t, tr.Set(StateChecking))
	assert.True(t, tr.Set(StateConnected))
	assert.False(t, tr.Set(StateConnected))

	detach()
	detach()
	tr.Set(StateReconnecting)

	assert.Equal(t, []State{StateChecking, StateConnected}, seen)
	assert.Equal(t, StateReconnecting, tr.Load())
}

func TestListeners_FanOutInOrder(t *testing.T) {
	var l Listeners[int]
	var got []string
	l.Add(func(v int) { got = append(got, "a") })
	detachB := l.Add(func(v int) { got = append(got, "b") })
	l.Add(func(v int) { got = append(got, "c") })

	l.Notify(1)
	detachB()
	l.Notify(2)

	assert.Equal(t, []string{"a", "b", "c", "a", "c"}, got)
	assert.Equal(t, 2, l.Len())
}

func TestListeners_SelfDetachDuringNotify(t *testing.T) {
	var l Listeners[int]
	calls := 0
	var detach func()
	detach = l.Add(func(int) {
		calls++
		detach()
	})
	l.Notify(1)
	l.Notify(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, l.Len())
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	var subs Subscriptions[string]
	noop := func(context.Context, string, []byte) {}

	h1 := subs.Add("web/addOrder", noop)
	h2 := subs.Add("web/addOrder", noop)
	h3 := subs.Add("gps/locations", noop)

	assert.Equal(t, []string{"web/addOrder", "gps/locations"}, subs.Topics())
	assert.Len(t, subs.Unbound(), 3)

	assert.True(t, subs.Bind(h1, "live-1"))
	assert.True(t, subs.Bind(h3, "live-3"))
	unbound := subs.Unbound()
	require.Len(t, unbound, 1)
	assert.Equal(t, h2, unbound[0].Handle)

	e, ok := subs.Remove(h1)
	require.True(t, ok)
	assert.True(t, e.Bound)
	assert.Equal(t, "live-1", e.Binding)
	assert.True(t, h1.Released())

	_, ok = subs.Remove(h1)
	assert.False(t, ok, "second release must be a no-op")
	assert.False(t, subs.Bind(h1, "late"))

	assert.ElementsMatch(t, []string{"live-3"}, subs.UnbindAll())
	assert.Len(t, subs.Unbound(), 2)
	assert.Equal(t, 2, subs.Len())
	assert.Len(t, subs.ForTopic("web/addOrder"), 1)
}

func TestSubscriptions_ConcurrentRemove(t *testing.T) {
	var subs Subscriptions[int]
	h := subs.Add("t", func(context.Context, string, []byte) {})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := subs.Remove(h); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDeliver_RecoversPanic(t *testing.T) {
	err := Deliver(context.Background(), nil, func(context.Context, string, []byte) {
		panic("bad handler")
	}, "web/chat", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web/chat")

	called := false
	err = Deliver(context.Background(), nil, func(context.Context, string, []byte) { called = true }, "t", nil)
	assert.NoError(t, err)
	assert.True(t, called)
}
