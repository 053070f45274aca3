package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callagent"

// Metrics holds the process-wide dispatch metrics. Every Record method is
// nil-safe so components can run without a registry.
type Metrics struct {
	TransportState      *prometheus.GaugeVec
	TransportReconnects *prometheus.CounterVec
	TransportRTT        prometheus.Gauge
	CircuitBreaker      prometheus.Gauge

	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	RelayRequests     *prometheus.CounterVec

	ActiveTopics    prometheus.Gauge
	Deliveries      *prometheus.CounterVec
	HandlerPanics   *prometheus.CounterVec
	EventsApplied   *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	HealthStatus    *prometheus.GaugeVec
	TrackedOrders   prometheus.Gauge
	TrackedVehicles prometheus.Gauge
	ParkedUpdates   prometheus.Gauge
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		TransportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Transport connection state (0=disconnected, 1=checking, 2=connected, 3=reconnecting, 4=error)",
		}, []string{"transport"}),
		TransportReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of transport reconnections",
		}, []string{"transport"}),
		TransportRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "rtt_milliseconds",
			Help:      "Broker round-trip time in milliseconds",
		}),
		CircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "circuit_breaker",
			Help:      "Connect circuit breaker (0=closed, 1=open, 2=half-open)",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received from the transport",
		}, []string{"topic"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Outbound publishes by topic and outcome",
		}, []string{"topic", "outcome"}),
		ActiveTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "active_topics",
			Help:      "Topics with at least one attached handler",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "deliveries_total",
			Help:      "Handler invocations by topic",
		}, []string{"topic"}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Bridge requests by type and outcome",
		}, []string{"type", "outcome"}),
		HandlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "handler_panics_total",
			Help:      "Recovered handler panics by topic",
		}, []string{"topic"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "events_total",
			Help:      "Reconciled events by kind and outcome",
		}, []string{"kind", "outcome"}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one event",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),
		TrackedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "orders",
			Help:      "Orders currently held by the registry",
		}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "location",
			Name:      "vehicles",
			Help:      "Vehicles with a known position",
		}),
		ParkedUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "parked_updates",
			Help:      "Partial updates waiting for their order to arrive",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TransportState, m.TransportReconnects, m.TransportRTT, m.CircuitBreaker,
		m.MessagesReceived, m.MessagesPublished, m.RelayRequests,
		m.ActiveTopics, m.Deliveries, m.HandlerPanics,
		m.EventsApplied, m.ApplyDuration, m.ErrorsTotal, m.HealthStatus,
		m.TrackedOrders, m.TrackedVehicles, m.ParkedUpdates,
	}
}

// RecordTransportState stores the numeric state code for a transport.
func (m *Metrics) RecordTransportState(transport string, code int) {
	if m == nil {
		return
	}
	m.TransportState.WithLabelValues(transport).Set(float64(code))
}

func (m *Metrics) RecordReconnect(transport string) {
	if m == nil {
		return
	}
	m.TransportReconnects.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.TransportRTT.Set(float64(rtt.Milliseconds()))
}

func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.CircuitBreaker.Set(float64(state))
}

func (m *Metrics) RecordMessageReceived(topic string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(topic).Inc()
}

// RecordPublish counts an outbound publish; ok selects the outcome label.
func (m *Metrics) RecordPublish(topic string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.MessagesPublished.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) SetActiveTopics(n int) {
	if m == nil {
		return
	}
	m.ActiveTopics.Set(float64(n))
}

func (m *Metrics) RecordDelivery(topic string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordHandlerPanic(topic string) {
	if m == nil {
		return
	}
	m.HandlerPanics.WithLabelValues(topic).Inc()
}

// RecordEvent counts one reconciled event and observes how long it took.
func (m *Metrics) RecordEvent(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(kind, outcome).Inc()
	m.ApplyDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordRelayRequest counts one bridge request. Outcome is "ok", "error"
// or "rate_limited".
func (m *Metrics) RecordRelayRequest(requestType, outcome string) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(requestType, outcome).Inc()
}

func (m *Metrics) RecordHealth(component string, level int) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordStoreSizes updates the registry, location and parked gauges together.
func (m *Metrics) RecordStoreSizes(orders, vehicles, parked int) {
	if m == nil {
		return
	}
	m.TrackedOrders.Set(float64(orders))
	m.TrackedVehicles.Set(float64(vehicles))
	m.ParkedUpdates.Set(float64(parked))
}
