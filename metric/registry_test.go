package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idompolo/call-agent-sub001/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"k"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"k"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "hv"}, []string{"k"})

	require.NoError(t, registry.RegisterCounter("svc", "counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("svc", "counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("svc", "histogram_vec", histogramVec))

	counter.Inc()
	gauge.Set(3)
	histogram.Observe(0.2)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histogramVec.WithLabelValues("a").Observe(1)

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"test_counter", "test_gauge", "test_histogram",
		"test_counter_vec", "test_gauge_vec", "test_histogram_vec",
	} {
		assert.True(t, names[name], "%s should be gathered", name)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "dup"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "dup"})

	require.NoError(t, registry.RegisterCounter("mux", "dup", first))

	err := registry.RegisterCounter("mux", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterCounter("reconciler", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_counter", Help: "g"})
	require.NoError(t, registry.RegisterCounter("svc", "gone", counter))
	counter.Inc()
	assert.True(t, gatheredNames(t, registry)["gone_counter"])

	assert.True(t, registry.Unregister("svc", "gone"))
	assert.False(t, gatheredNames(t, registry)["gone_counter"])
	assert.False(t, registry.Unregister("svc", "gone"))

	// The key is free again.
	require.NoError(t, registry.RegisterCounter("svc", "gone", counter))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "concurrent",
			})
			assert.NoError(t, registry.RegisterCounter("svc", fmt.Sprintf("c%d", id), c))
		}(i)
	}
	wg.Wait()

	n := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			n++
		}
	}
	assert.Equal(t, 10, n)
}

func TestCoreMetrics_Recorded(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordTransportState("nats", 2)
	m.RecordReconnect("nats")
	m.RecordRTT(12 * time.Millisecond)
	m.RecordCircuitBreakerState(0)
	m.RecordMessageReceived("web/addOrder")
	m.RecordPublish("agent/7/dispatch", true)
	m.RecordPublish("agent/7/dispatch", false)
	m.SetActiveTopics(3)
	m.RecordDelivery("web/addOrder")
	m.RecordHandlerPanic("web/addOrder")
	m.RecordEvent("order-added", "applied", time.Millisecond)
	m.RecordError("reconciler", "invalid")
	m.RecordHealth("transport", 2)
	m.RecordStoreSizes(10, 4, 1)

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"callagent_transport_state",
		"callagent_transport_reconnects_total",
		"callagent_transport_rtt_milliseconds",
		"callagent_transport_circuit_breaker",
		"callagent_messages_received_total",
		"callagent_messages_published_total",
		"callagent_mux_active_topics",
		"callagent_mux_deliveries_total",
		"callagent_mux_handler_panics_total",
		"callagent_reconciler_events_total",
		"callagent_reconciler_apply_duration_seconds",
		"callagent_errors_total",
		"callagent_health_status",
		"callagent_registry_orders",
		"callagent_location_vehicles",
		"callagent_reconciler_parked_updates",
	} {
		assert.True(t, names[name], "core metric %s missing", name)
	}
}

func TestCoreMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransportState("nats", 1)
		m.RecordPublish("t", true)
		m.RecordEvent("k", "applied", time.Millisecond)
		m.RecordStoreSizes(1, 1, 1)
	})
}
