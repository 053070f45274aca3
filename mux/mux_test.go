package mux

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/testutil"
)

const waitTimeout = 2 * time.Second

func connected(t *testing.T) *testutil.Transport {
	t.Helper()
	tr := testutil.NewTransport()
	require.NoError(t, tr.Connect(context.Background(), "agent-1"))
	return tr
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(_ context.Context, _ string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(payload))
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestSubscribe_Validation(t *testing.T) {
	m := New(connected(t))
	defer m.Close()

	_, err := m.Subscribe("", func(context.Context, string, []byte) {})
	assert.True(t, errors.IsInvalid(err))

	_, err = m.Subscribe("gps", nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestSharedTopic_DetachOneKeepsSubscription(t *testing.T) {
	tr := connected(t)
	m := New(tr)
	defer m.Close()

	var table, badge recorder
	a1, err := m.Subscribe("gps", table.handle)
	require.NoError(t, err)
	a2, err := m.Subscribe("gps", badge.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Opened("gps"))
	assert.Equal(t, 2, m.RefCount("gps"))

	require.NoError(t, a1.Detach())
	assert.Equal(t, 0, tr.Closed("gps"))
	assert.Equal(t, 1, m.RefCount("gps"))
	assert.Equal(t, []string{"gps"}, m.Topics())

	require.NoError(t, a2.Detach())
	assert.Equal(t, 1, tr.Closed("gps"))
	assert.Equal(t, 0, m.RefCount("gps"))
	assert.Empty(t, m.Topics())
}

func TestReferenceCounting(t *testing.T) {
	for _, n := range []int{1, 2, 10, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tr := connected(t)
			m := New(tr)
			defer m.Close()

			attachments := make([]*Attachment, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a, err := m.Subscribe("web/addOrder", func(context.Context, string, []byte) {})
					assert.NoError(t, err)
					attachments[i] = a
				}(i)
			}
			wg.Wait()
			assert.Equal(t, n, m.RefCount("web/addOrder"))

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(a *Attachment) {
					defer wg.Done()
					assert.NoError(t, a.Detach())
					assert.NoError(t, a.Detach())
				}(attachments[i])
			}
			wg.Wait()

			assert.Equal(t, 1, tr.Opened("web/addOrder"))
			assert.Equal(t, 1, tr.Closed("web/addOrder"))
			assert.Equal(t, 0, m.RefCount("web/addOrder"))
		})
	}
}

func TestDelivery_ArrivalOrderToEveryHandler(t *testing.T) {
	tr := connected(t)
	m := New(tr)
	defer m.Close()

	var first, second recorder
	_, err := m.Subscribe("web/modifyOrder", first.handle)
	require.NoError(t, err)
	_, err = m.Subscribe("web/modifyOrder", second.handle)
	require.NoError(t, err)

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("m%02d", i)
		tr.Inject("web/modifyOrder", []byte(want[i]))
	}

	testutil.WaitFor(t, waitTimeout, func() bool {
		return len(first.got()) == len(want) && len(second.got()) == len(want)
	}, "all deliveries")
	assert.Equal(t, want, first.got())
	assert.Equal(t, want, second.got())
}

func TestDelivery_SlowTopicDoesNotBlockOthers(t *testing.T) {
	tr := connected(t)
	m := New(tr)
	defer m.Close()

	release := make(chan struct{})
	_, err := m.Subscribe("gps/locations", func(context.Context, string, []byte) {
		<-release
	})
	require.NoError(t, err)

	var chat recorder
	_, err = m.Subscribe("web/chat", chat.handle)
	require.NoError(t, err)

	tr.Inject("gps/locations", []byte("[]"))
	tr.Inject("gps/locations", []byte("[]"))
	tr.Inject("web/chat", []byte("hello"))

	testutil.WaitFor(t, waitTimeout, func() bool { return len(chat.got()) == 1 }, "chat delivery")
	testutil.WaitFor(t, waitTimeout, func() bool { return m.Pending("gps/locations") == 1 }, "second location batch queued")
	close(release)
}

func TestDetach_DuringDelivery(t *testing.T) {
	tr := connected(t)
	m := New(tr)
	defer m.Close()

	var calls int
	var mu sync.Mutex
	var self *Attachment
	self, err := m.Subscribe("web/cancelOrder", func(context.Context, string, []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.NoError(t, self.Detach())
	})
	require.NoError(t, err)

	var other recorder
	_, err = m.Subscribe("web/cancelOrder", other.handle)
	require.NoError(t, err)

	tr.Inject("web/cancelOrder", []byte("1"))
	tr.Inject("web/cancelOrder", []byte("2"))

	testutil.WaitFor(t, waitTimeout, func() bool { return len(other.got()) == 2 }, "other handler")
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.True(t, self.Detached())
	assert.Equal(t, 1, m.RefCount("web/cancelOrder"))
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	tr := connected(t)
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	m := New(tr, WithMetrics(metrics))
	defer m.Close()

	_, err := m.Subscribe("web/addOrder", func(_ context.Context, _ string, payload []byte) {
		if string(payload) == "bad" {
			panic("boom")
		}
	})
	require.NoError(t, err)
	var rec recorder
	_, err = m.Subscribe("web/addOrder", rec.handle)
	require.NoError(t, err)

	tr.Inject("web/addOrder", []byte("bad"))
	tr.Inject("web/addOrder", []byte("good"))

	testutil.WaitFor(t, waitTimeout, func() bool { return len(rec.got()) == 2 }, "deliveries after panic")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.HandlerPanics.WithLabelValues("web/addOrder")))
	assert.Equal(t, 3.0, promtestutil.ToFloat64(metrics.Deliveries.WithLabelValues("web/addOrder")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.ActiveTopics))
}

func TestSubscribeBeforeTransportConnects(t *testing.T) {
	tr := testutil.NewTransport()
	m := New(tr)
	defer m.Close()

	var rec recorder
	_, err := m.Subscribe("web/syncOrders", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Opened("web/syncOrders"))

	require.NoError(t, tr.Connect(context.Background(), "agent-1"))
	tr.Inject("web/syncOrders", []byte("[]"))
	testutil.WaitFor(t, waitTimeout, func() bool { return len(rec.got()) == 1 }, "delivery after connect")
}

func TestClose(t *testing.T) {
	tr := connected(t)
	m := New(tr)

	a, err := m.Subscribe("web/chat", func(context.Context, string, []byte) {})
	require.NoError(t, err)
	_, err = m.Subscribe("gps", func(context.Context, string, []byte) {})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, 1, tr.Closed("web/chat"))
	assert.Equal(t, 1, tr.Closed("gps"))
	assert.Empty(t, m.Topics())
	assert.True(t, a.Detached())
	require.NoError(t, a.Detach())

	_, err = m.Subscribe("web/chat", func(context.Context, string, []byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
