package metric

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/idompolo/call-agent-sub001/errors"
)

// HealthFunc reports whether the process is healthy along with a JSON
// serialisable detail value for the /health endpoint.
type HealthFunc func() (healthy bool, detail any)

// Server exposes the registry on an HTTP endpoint together with /health.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	health   HealthFunc

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// NewServer creates a metrics server. Zero values select port 9090 and /metrics.
func NewServer(port int, path string, registry *MetricsRegistry, health HealthFunc) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		health:   health,
	}
}

// Handler builds the HTTP mux served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	healthy, detail := s.health()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(detail)
}

// Start serves until Stop is called. It returns nil after a clean Stop,
// and immediately when Stop ran first.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "metrics server already running")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "metrics registry not provided")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to start server on port %d", s.port))
	}
	return nil
}

// Stop closes the listener. A stopped server does not start again.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "failed to stop HTTP server")
	}
	return nil
}

// Address returns the URL of the metrics endpoint.
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
