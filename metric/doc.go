// Package metric wires Prometheus into the call-agent core.
//
// MetricsRegistry owns a private prometheus.Registry with the core dispatch
// metrics (transport state, mux deliveries, reconciler outcomes, store sizes)
// already registered. Components that want their own collectors register
// them through the MetricsRegistrar methods, keyed by component and metric
// name so duplicate registrations are rejected as invalid.
//
// Server exposes the registry over HTTP:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, sess.HealthReport)
//	go func() {
//		if err := server.Start(); err != nil {
//			logger.Error("metrics server failed", "error", err)
//		}
//	}()
//	defer server.Stop()
//
// All Record methods on *Metrics accept a nil receiver, so code paths built
// without a registry need no conditionals.
package metric
