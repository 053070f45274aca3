package reconciler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/location"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/mux"
	"github.com/idompolo/call-agent-sub001/order"
	"github.com/idompolo/call-agent-sub001/testutil"
)

const clockStart = int64(1714600000000)

type fixture struct {
	rec       *Reconciler
	registry  *order.Registry
	locations *location.Cache
	metrics   *metric.Metrics

	mu    sync.Mutex
	diags []Diagnostic
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	locations, err := location.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = locations.Close() })

	var clock atomic.Int64
	clock.Store(clockStart)
	f := &fixture{
		registry:  order.NewRegistry(),
		locations: locations,
		metrics:   metric.NewMetricsRegistry().CoreMetrics(),
	}
	opts = append([]Option{
		WithMetrics(f.metrics),
		WithClock(func() int64 { return clock.Add(1) }),
	}, opts...)

	f.rec, err = New(f.registry, f.locations, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.rec.Close() })

	f.rec.OnDiagnostic(func(d Diagnostic) {
		f.mu.Lock()
		f.diags = append(f.diags, d)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) apply(t *testing.T, topic, payload string) error {
	t.Helper()
	return f.rec.Apply(topic, []byte(payload))
}

func (f *fixture) mustApply(t *testing.T, topic, payload string) {
	t.Helper()
	require.NoError(t, f.apply(t, topic, payload))
}

func (f *fixture) diagnostics() []Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Diagnostic(nil), f.diags...)
}

func (f *fixture) outcomes(kind Kind, outcome Outcome) float64 {
	return promtestutil.ToFloat64(f.metrics.EventsApplied.WithLabelValues(string(kind), string(outcome)))
}

func (f *fixture) get(t *testing.T, id int64) order.Record {
	t.Helper()
	rec, ok := f.registry.Get(id)
	require.True(t, ok, "order %d", id)
	return rec
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	locations, err := location.New()
	require.NoError(t, err)
	_, err = New(order.NewRegistry(), locations, WithParkTTL(0))
	require.Error(t, err)
}

func TestFullSyncThenAccept(t *testing.T) {
	f := newFixture(t)

	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	require.Equal(t, 2, f.registry.Len())

	one := f.get(t, 1)
	assert.Equal(t, "accepted(3)", one.DisplayStatus())
	assert.Equal(t, "010-1111-2222", one.Telephone)
	assert.NotZero(t, one.AddedAt, "wall-clock addAt is parsed")

	two := f.get(t, 2)
	assert.Equal(t, "010-3333-4444", two.Telephone)
	assert.Equal(t, "0", two.AddAgent)
	assert.Equal(t, int64(1714525260000), two.AddedAt)
	assert.Equal(t, "app-accepted", two.DisplayStatus())

	f.mustApply(t, "web/acceptOrder", testutil.AcceptOrderPayload)

	one = f.get(t, 1)
	assert.Equal(t, "accepted(7)", one.DisplayStatus())
	assert.Equal(t, int64(1714525320000), one.AcceptedAt)
	assert.Equal(t, "12가3456", one.CarNo)
	assert.Equal(t, "D-77", one.DriverNo)
	assert.Equal(t, "010-1111-2222", one.Telephone, "fields absent from the accept are untouched")
	assert.Empty(t, f.diagnostics())
	assert.Equal(t, 1.0, f.outcomes(KindAccepted, OutcomeApplied))
}

func TestLocationBatch(t *testing.T) {
	f := newFixture(t)

	f.mustApply(t, DefaultLocationTopic, testutil.LocationBatchPayload)

	all := f.locations.All()
	require.Len(t, all, 2)
	assert.Equal(t, "D1", all[0].VehicleID)
	assert.Equal(t, 37.5, all[0].Lat)
	assert.Equal(t, 127.1, all[1].Lng)
	assert.Equal(t, 2.0, promtestutil.ToFloat64(f.metrics.TrackedVehicles))
}

func TestLocationBatch_AliasesAndBadFixes(t *testing.T) {
	f := newFixture(t)

	payload := `{"data":[
		{"vehicleId":101,"latitude":"37.1","lon":127.2,"gpsTime":1714525000000},
		{"drvNo":"D-2","lat":95,"lng":127},
		"not-a-fix"
	]}`
	f.mustApply(t, DefaultLocationTopic, payload)

	loc, ok := f.locations.Get("101")
	require.True(t, ok)
	assert.Equal(t, 37.1, loc.Lat)
	assert.Equal(t, 127.2, loc.Lng)
	assert.Equal(t, int64(1714525000000), loc.ObservedAt)

	_, ok = f.locations.Get("D-2")
	assert.False(t, ok, "out of range fix is dropped")

	diags := f.diagnostics()
	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.Equal(t, OutcomeMalformed, d.Outcome)
		var mal *errors.MalformedEventError
		assert.True(t, stderrors.As(d.Err, &mal))
	}
}

func TestUnknownIDUpdate(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	before := f.registry.All()
	version := f.registry.Version()

	err := f.apply(t, "web/modifyOrder", `{"id":999,"status":"driving"}`)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownOrder))
	var unknown *errors.UnknownIDUpdateError
	require.True(t, stderrors.As(err, &unknown))
	assert.Equal(t, int64(999), unknown.OrderID)

	_, ok := f.registry.Get(999)
	assert.False(t, ok)
	assert.Equal(t, before, f.registry.All())
	assert.Equal(t, version, f.registry.Version())

	diags := f.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, OutcomeParked, diags[0].Outcome)
	assert.Equal(t, int64(999), diags[0].OrderID)
	assert.Equal(t, 1, f.rec.Parked())
}

func TestCancelBeforeAdd(t *testing.T) {
	f := newFixture(t)

	err := f.apply(t, "web/cancelOrder", `{"orderId":3,"cancelAgent":"4","cancelAt":1714525380000,"cancelStatus":"customer-cancel"}`)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownOrder))
	assert.Zero(t, f.registry.Len())

	f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)

	rec := f.get(t, 3)
	assert.Equal(t, "Kim", rec.CustomerName)
	assert.Equal(t, int64(1714525380000), rec.CancelledAt)
	assert.Equal(t, "customer-cancel", rec.DisplayStatus())
	assert.True(t, rec.Terminal())
	assert.Zero(t, f.rec.Parked())
}

func TestRepeatedUpdatesBeforeAdd(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"accept without timestamp", "web/acceptOrder", `{"id":3,"acceptAgent":"9"}`},
		{"cancel without timestamp", "web/cancelOrder", `{"orderId":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := func(deliveries int) order.Record {
				f := newFixture(t)
				for range deliveries {
					err := f.apply(t, tt.topic, tt.payload)
					require.True(t, stderrors.Is(err, errors.ErrUnknownOrder))
				}
				f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)
				return f.get(t, 3)
			}

			once, twice := run(1), run(2)
			// the add's own defaulted time follows the clock
			once.AddedAt, twice.AddedAt = 0, 0
			assert.Equal(t, once, twice)
			assert.Greater(t, once.AcceptedAt+once.CancelledAt, clockStart)
		})
	}
}

func TestSnapshotDiscardsParkedUpdates(t *testing.T) {
	f := newFixture(t)

	_ = f.apply(t, "web/cancelOrder", `{"orderId":3,"cancelAt":1714525380000}`)
	require.Equal(t, 1, f.rec.Parked())

	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	assert.Zero(t, f.rec.Parked())

	f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)
	assert.Zero(t, f.get(t, 3).CancelledAt)
}

func TestParkedUpdatesExpire(t *testing.T) {
	f := newFixture(t, WithParkTTL(50*time.Millisecond))

	_ = f.apply(t, "web/modifyOrder", `{"id":3,"memo":"late"}`)
	require.Equal(t, 1, f.rec.Parked())

	testutil.WaitFor(t, 2*time.Second, func() bool { return f.rec.Parked() == 0 }, "parked update expiry")

	f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)
	assert.Empty(t, f.get(t, 3).Memo)
}

func TestDuplicateDelivery(t *testing.T) {
	f := newFixture(t)

	f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)
	version := f.registry.Version()

	f.mustApply(t, "web/addOrder", testutil.AddOrderPayload)
	assert.Equal(t, version, f.registry.Version())
	assert.Equal(t, 1.0, f.outcomes(KindAdded, OutcomeDuplicate))

	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	f.mustApply(t, "web/chat", testutil.ChatPayload)
	f.mustApply(t, "web/chat", testutil.ChatPayload)

	assert.Len(t, f.get(t, 1).Messages, 1)
	assert.Equal(t, 1, f.rec.Unread(1))
	assert.Equal(t, 1.0, f.outcomes(KindChat, OutcomeDuplicate))
}

func TestIdempotentWithoutEventID(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)

	f.mustApply(t, "web/actionOrder", testutil.ActionOrderPayload)
	first := f.get(t, 1)
	version := f.registry.Version()

	f.mustApply(t, "web/actionOrder", testutil.ActionOrderPayload)
	f.mustApply(t, "web/acceptOrder", testutil.AcceptOrderPayload)
	f.mustApply(t, "web/acceptOrder", testutil.AcceptOrderPayload)
	second := f.get(t, 1)

	require.Len(t, second.Actions, 1)
	assert.Equal(t, order.Action{ID: "a-1", Name: "call-customer", Agent: "7", At: 1714525400000}, second.Actions[0])
	assert.Equal(t, first.Actions, second.Actions)
	assert.Equal(t, version+1, f.registry.Version(), "only the first accept mutates")
	assert.Equal(t, 1.0, f.outcomes(KindAccepted, OutcomeUnchanged))
}

func TestDefaultedTimestamps(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)

	f.mustApply(t, "web/acceptOrder", `{"id":1,"acceptAgent":"9"}`)
	accepted := f.get(t, 1).AcceptedAt
	assert.Greater(t, accepted, clockStart)

	f.mustApply(t, "web/acceptOrder", `{"id":1,"acceptAgent":"9"}`)
	assert.Equal(t, accepted, f.get(t, 1).AcceptedAt, "a repeated accept keeps the first timestamp")

	f.mustApply(t, "web/cancelOrder", `{"id":2}`)
	two := f.get(t, 2)
	assert.Greater(t, two.CancelledAt, clockStart)
	assert.Equal(t, "cancelled", two.DisplayStatus())
}

func TestMalformedEventsAreIsolated(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"not json", "web/modifyOrder", `{"id":`},
		{"array for a partial kind", "web/modifyOrder", `[1,2]`},
		{"missing id", "web/acceptOrder", `{"acceptAgent":"7"}`},
		{"non-numeric id", "web/modifyOrder", `{"id":"abc","memo":"x"}`},
		{"latitude out of range", "web/modifyOrder", `{"id":1,"lat":123}`},
		{"bad timestamp", "web/modifyOrder", `{"id":1,"modifyAt":"yesterday"}`},
		{"action without name", "web/actionOrder", `{"id":1,"action":{"agent":"7"}}`},
		{"chat without text", "web/chat", `{"orderId":1,"msgId":"m-9"}`},
		{"presence without agent", "web/connectAgent", `{"connected":true}`},
		{"snapshot object", "web/syncOrders", `{"data":{"id":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
			before := f.registry.All()

			err := f.apply(t, tt.topic, tt.payload)
			require.Error(t, err)
			var mal *errors.MalformedEventError
			require.True(t, stderrors.As(err, &mal), "got %v", err)
			assert.True(t, errors.IsInvalid(err))
			assert.Equal(t, before, f.registry.All())

			f.mustApply(t, "web/acceptOrder", testutil.AcceptOrderPayload)
			assert.Equal(t, "accepted(7)", f.get(t, 1).DisplayStatus(), "later messages still apply")
		})
	}
}

func TestSnapshotDropsInvalidOrders(t *testing.T) {
	f := newFixture(t)

	f.mustApply(t, "web/syncOrders", `[{"id":1,"status":"waiting"},{"status":"no id"},{"id":2,"lat":"north"}]`)

	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.diagnostics(), 2)
}

func TestUnknownFieldsKeptInExtra(t *testing.T) {
	f := newFixture(t)

	f.mustApply(t, "web/addOrder", `{"id":5,"status":"waiting","fare":1200,"payment":{"type":"card"}}`)
	rec := f.get(t, 5)
	assert.JSONEq(t, `1200`, string(rec.Extra["fare"]))
	assert.JSONEq(t, `{"type":"card"}`, string(rec.Extra["payment"]))

	f.mustApply(t, "web/modifyOrder", `{"id":5,"fare":1500}`)
	assert.JSONEq(t, `1500`, string(f.get(t, 5).Extra["fare"]))
}

func TestAgentSelectedAndPresence(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)

	f.mustApply(t, "web/selectAgent", `{"orderId":2,"agentId":12}`)
	assert.Equal(t, "12", f.get(t, 2).SelectAgent)

	f.mustApply(t, "web/connectAgent", `{"agentId":"7","connected":true,"at":1714525000000}`)
	f.mustApply(t, "web/connectAgent", `{"agent":"3","online":"false","time":1714525000000}`)
	f.mustApply(t, "web/connectAgent", `{"agentId":"7","connected":false,"at":1714524000000}`)

	assert.Equal(t, []Presence{
		{AgentID: "3", Connected: false, At: 1714525000000},
		{AgentID: "7", Connected: true, At: 1714525000000},
	}, f.rec.Presence(), "a stale disconnect does not override")
}

func TestChatUnread(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)

	f.mustApply(t, "web/chat", testutil.ChatPayload)
	f.mustApply(t, "web/chat", `{"order_id":1,"message_id":"m-2","sender":"agent-3","content":"ok"}`)

	rec := f.get(t, 1)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, order.Message{ID: "m-1", From: "D-77", Text: "arriving in 3 minutes", At: 1714525410000}, rec.Messages[0])
	assert.Equal(t, "ok", rec.Messages[1].Text)
	assert.Equal(t, 2, f.rec.Unread(1))

	f.rec.MarkRead(1)
	assert.Zero(t, f.rec.Unread(1))

	f.mustApply(t, "web/chat", `{"orderId":2,"text":"hello"}`)
	assert.Equal(t, 1, f.rec.Unread(2))
	f.mustApply(t, "web/syncOrders", `[{"id":1}]`)
	assert.Zero(t, f.rec.Unread(2), "unread counts of dropped orders are pruned")
}

func TestClassifyByShape(t *testing.T) {
	f := newFixture(t, WithTopics(map[string]Kind{"web/addOrder": KindAdded}))

	tests := []struct {
		name    string
		payload string
		want    Kind
	}{
		{"configured topic wins", "", KindAdded},
		{"order array", `[{"id":1,"status":"waiting"}]`, KindSnapshot},
		{"enveloped orders", `{"data":[{"id":1}]}`, KindSnapshot},
		{"fixes", `[{"id":"D1","lat":1,"lng":2}]`, KindLocationBatch},
		{"fixes with long names", `[{"vehicleId":"D1","latitude":1,"longitude":2}]`, KindLocationBatch},
		{"object with id", `{"orderId":4,"memo":"x"}`, KindModified},
		{"empty array", `[]`, KindUnknown},
		{"object without id", `{"hello":"world"}`, KindUnknown},
		{"garbage", `nope`, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := "other/topic"
			if tt.want == KindAdded {
				topic = "web/addOrder"
			}
			assert.Equal(t, tt.want, f.rec.classify(topic, []byte(tt.payload)))
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Order-Added ")
	require.NoError(t, err)
	assert.Equal(t, KindAdded, k)

	for _, name := range []string{"", "unknown", "order"} {
		_, err := ParseKind(name)
		assert.Error(t, err, name)
	}
	for _, kind := range DefaultTopics("") {
		got, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
}

func TestUnknownTopic(t *testing.T) {
	f := newFixture(t)

	err := f.apply(t, "other/topic", `{"hello":"world"}`)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownTopic))
	assert.Equal(t, 1.0, f.outcomes(KindUnknown, OutcomeUnknownTopic))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		in    map[string]any
		want  map[string]any
		extra []string
	}{
		{
			name: "snake case and legacy aliases",
			in:   map[string]any{"order_id": "7", "accept_agent": number("0"), "car_no": "12가", "drv_no": "D-1", "tel": "010"},
			want: map[string]any{"id": int64(7), "acceptAgent": "0", "carNo": "12가", "driverNo": "D-1", "telephone": "010"},
		},
		{
			name: "canonical spelling wins over alias",
			in:   map[string]any{"telephone": "A", "tel": "B", "phone": "C"},
			want: map[string]any{"telephone": "A"},
		},
		{
			name: "numeric agents become strings",
			in:   map[string]any{"id": number("1"), "addAgent": number("12")},
			want: map[string]any{"id": int64(1), "addAgent": "12"},
		},
		{
			name: "seconds are scaled to milliseconds",
			in:   map[string]any{"id": number("1"), "cancelAt": number("1714525380")},
			want: map[string]any{"id": int64(1), "cancelledAt": int64(1714525380000)},
		},
		{
			name:  "unknown keys and nulls",
			in:    map[string]any{"id": number("1"), "memo": nil, "fare": number("100")},
			want:  map[string]any{"id": int64(1)},
			extra: []string{"fare"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, extra, err := normalize(tt.in, orderTable)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			for _, key := range tt.extra {
				assert.Contains(t, extra, key)
			}
			assert.Len(t, extra, len(tt.extra))
		})
	}
}

func TestSnakeToCamel(t *testing.T) {
	assert.Equal(t, "acceptAgent", snakeToCamel("accept_agent"))
	assert.Equal(t, "orderId", snakeToCamel("ORDER_ID"))
	assert.Equal(t, "memo", snakeToCamel("memo"))
	assert.Equal(t, "addAt", snakeToCamel("add__at"))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	f.registry.OnChange(func(c order.Change) {
		if c.Kind == order.ChangeUpdated && c.ID == 2 {
			panic("listener failure")
		}
	})

	err := f.apply(t, "web/modifyOrder", `{"id":2,"memo":"boom"}`)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	f.mustApply(t, "web/acceptOrder", testutil.AcceptOrderPayload)
	assert.Equal(t, "accepted(7)", f.get(t, 1).DisplayStatus())
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	f.mustApply(t, DefaultLocationTopic, testutil.LocationBatchPayload)
	f.mustApply(t, "web/chat", testutil.ChatPayload)
	f.mustApply(t, "web/connectAgent", `{"agentId":"7"}`)
	_ = f.apply(t, "web/modifyOrder", `{"id":42,"memo":"x"}`)

	require.NoError(t, f.rec.Reset())

	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.locations.Len())
	assert.Zero(t, f.rec.Parked())
	assert.Zero(t, f.rec.Unread(1))
	assert.Empty(t, f.rec.Presence())

	f.mustApply(t, "web/syncOrders", testutil.SnapshotPayload)
	f.mustApply(t, "web/chat", testutil.ChatPayload)
	assert.Equal(t, 1, f.rec.Unread(1), "seen events are forgotten")
}

// The full path: transport delivery through the multiplexer into the
// reconciler, with one topic per goroutine.
func TestThroughMultiplexer(t *testing.T) {
	f := newFixture(t)
	tr := testutil.NewTransport()
	require.NoError(t, tr.Connect(context.Background(), "agent-1"))
	m := mux.New(tr)
	t.Cleanup(func() { _ = m.Close() })

	for _, topic := range f.rec.Topics() {
		_, err := m.Subscribe(topic, f.rec.Handle)
		require.NoError(t, err)
	}
	assert.Equal(t, len(DefaultTopics("")), tr.Active())

	tr.Inject("web/syncOrders", []byte(testutil.SnapshotPayload))
	testutil.WaitFor(t, 2*time.Second, func() bool { return f.registry.Len() == 2 }, "snapshot applied")

	for i := 0; i < 20; i++ {
		tr.Inject(DefaultLocationTopic, []byte(fmt.Sprintf(`[{"id":"D1","lat":%d,"lng":1,"time":%d}]`, i, 1714525000000+int64(i))))
	}
	tr.Inject("web/acceptOrder", []byte(testutil.AcceptOrderPayload))
	tr.Inject("web/cancelOrder", []byte(testutil.CancelOrderPayload))

	testutil.WaitFor(t, 2*time.Second, func() bool {
		loc, ok := f.locations.Get("D1")
		return ok && loc.Lat == 19
	}, "last fix applied")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		two, _ := f.registry.Get(2)
		one, _ := f.registry.Get(1)
		return two.DisplayStatus() == "customer-cancel" && one.DisplayStatus() == "accepted(7)"
	}, "order events applied")
}

func number(s string) any {
	n, err := decode([]byte(s))
	if err != nil {
		panic(err)
	}
	return n
}
