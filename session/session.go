// Package session wires one process-wide set of dispatch components over a
// transport: the topic multiplexer, the order registry, the location cache,
// the event reconciler and the outbound action publisher.
//
// A Session is created once per process. Start logs the agent in and
// attaches the reconciler to every inbound topic, Reset empties all state
// while staying subscribed, and Stop tears everything down.
//
//	tr, err := session.NewTransport(cfg, deps)
//	s, err := session.New(cfg, tr, deps)
//	if err := s.Start(ctx, "7"); err != nil {
//		// the transport keeps retrying; s is usable
//	}
//	defer s.Stop(context.Background())
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idompolo/call-agent-sub001/action"
	"github.com/idompolo/call-agent-sub001/config"
	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/health"
	"github.com/idompolo/call-agent-sub001/location"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/mux"
	"github.com/idompolo/call-agent-sub001/order"
	"github.com/idompolo/call-agent-sub001/reconciler"
	"github.com/idompolo/call-agent-sub001/transport"
)

// Health entry names.
const (
	HealthTransport  = "transport"
	HealthReconciler = "reconciler"
)

const defaultStopTimeout = 5 * time.Second

// Deps are the shared process facilities handed to a Session. Every field
// is optional.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
	Monitor  *health.Monitor
	Clock    func() int64 // epoch milliseconds
}

// Session owns the dispatch components for one logged-in agent.
type Session struct {
	cfg       *config.Config
	transport transport.Transport
	logger    *slog.Logger
	monitor   *health.Monitor

	mux        *mux.Multiplexer
	orders     *order.Registry
	locations  *location.Cache
	reconciler *reconciler.Reconciler
	actions    *action.Publisher

	mu           sync.Mutex
	agentID      string
	started      bool
	stopped      bool
	attachments  []*mux.Attachment
	detachHealth func()
	detachDiag   func()
}

// New builds the components from cfg. Nothing is subscribed or connected
// until Start.
func New(cfg *config.Config, t transport.Transport, deps Deps) (*Session, error) {
	if cfg == nil || t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "New", "config and transport are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *metric.Metrics
	if deps.Registry != nil {
		metrics = deps.Registry.CoreMetrics()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = health.NewMonitor(metrics)
	}

	topics, err := TopicTable(cfg.Topics)
	if err != nil {
		return nil, errors.WrapInvalid(err, "session", "New", "build topic table")
	}

	locOpts := []location.Option{location.WithMetrics(deps.Registry)}
	recOpts := []reconciler.Option{
		reconciler.WithLogger(logger),
		reconciler.WithMetrics(metrics),
		reconciler.WithCacheMetrics(deps.Registry),
		reconciler.WithTopics(topics),
		reconciler.WithParkTTL(cfg.Reconciler.ParkTTL.Std()),
		reconciler.WithDedupSize(cfg.Reconciler.DedupSize),
	}
	actOpts := []action.Option{
		action.WithLogger(logger),
		action.WithMetricsRegistry(deps.Registry),
		action.WithWorkers(cfg.Actions.Workers, cfg.Actions.QueueSize),
		action.WithPublishTimeout(cfg.Actions.PublishTimeout.Std()),
	}
	if deps.Clock != nil {
		locOpts = append(locOpts, location.WithClock(deps.Clock))
		recOpts = append(recOpts, reconciler.WithClock(deps.Clock))
		actOpts = append(actOpts, action.WithClock(deps.Clock))
	}

	locations, err := location.New(locOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "session", "New", "create location cache")
	}
	orders := order.NewRegistry()
	rec, err := reconciler.New(orders, locations, recOpts...)
	if err != nil {
		_ = locations.Close()
		return nil, errors.Wrap(err, "session", "New", "create reconciler")
	}
	actions, err := action.NewPublisher(t, actOpts...)
	if err != nil {
		_ = rec.Close()
		_ = locations.Close()
		return nil, errors.Wrap(err, "session", "New", "create action publisher")
	}

	return &Session{
		cfg:        cfg.Clone(),
		transport:  t,
		logger:     logger.With("component", "session"),
		monitor:    monitor,
		mux:        mux.New(t, mux.WithLogger(logger), mux.WithMetrics(metrics)),
		orders:     orders,
		locations:  locations,
		reconciler: rec,
		actions:    actions,
	}, nil
}

// TopicTable builds the inbound topic table: the backend defaults with the
// configured location topic, then the overrides. An override with an empty
// kind removes its topic.
func TopicTable(cfg config.TopicsConfig) (map[string]reconciler.Kind, error) {
	table := reconciler.DefaultTopics(cfg.LocationTopic)
	for topic, name := range cfg.Overrides {
		if name == "" {
			delete(table, topic)
			continue
		}
		kind, err := reconciler.ParseKind(name)
		if err != nil {
			return nil, errors.WrapInvalid(err, "session", "TopicTable", "override "+topic)
		}
		table[topic] = kind
	}
	return table, nil
}

// Start attaches the reconciler to every inbound topic and connects as
// agentID, falling back to the configured agent id. Subscriptions are made
// first so nothing published right after login is missed.
//
// A connection failure is returned but the session stays started: the
// transport keeps retrying and the subscriptions come alive once it
// connects.
func (s *Session) Start(ctx context.Context, agentID string) error {
	if agentID == "" {
		agentID = s.cfg.Agent.ID
	}
	if agentID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "session", "Start", "agent id is required")
	}

	if err := s.attach(ctx, agentID); err != nil {
		return err
	}
	s.logger.Info("session started", "agent_id", agentID, "topics", len(s.reconciler.Topics()))

	if err := s.transport.Connect(ctx, agentID); err != nil {
		s.logger.Warn("initial connect failed, transport keeps retrying", "agent_id", agentID, "error", err)
		return errors.Wrap(err, "session", "Start", "connect")
	}
	return nil
}

func (s *Session) attach(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "session", "Start", "start stopped session")
	}
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "session", "Start", "start session")
	}

	s.detachHealth = s.monitor.TrackTransport(HealthTransport, s.transport)
	s.monitor.UpdateHealthy(HealthReconciler, "no failed events")
	s.detachDiag = s.reconciler.OnDiagnostic(s.onDiagnostic)

	for _, topic := range s.reconciler.Topics() {
		a, err := s.mux.Subscribe(topic, s.reconciler.Handle)
		if err != nil {
			s.detachLocked()
			return errors.Wrap(err, "session", "Start", "subscribe "+topic)
		}
		s.attachments = append(s.attachments, a)
	}

	s.actions.SetAgent(agentID)
	if err := s.actions.Start(context.WithoutCancel(ctx)); err != nil {
		s.detachLocked()
		return errors.Wrap(err, "session", "Start", "start action publisher")
	}

	s.agentID = agentID
	s.started = true
	return nil
}

// onDiagnostic marks the reconciler degraded after an internal failure.
// Malformed or early events are the backend's problem and leave it healthy.
func (s *Session) onDiagnostic(d reconciler.Diagnostic) {
	if d.Outcome == reconciler.OutcomeFailed {
		s.monitor.UpdateDegraded(HealthReconciler, "event handling failed on "+d.Topic)
	}
}

// Reset empties the order registry, the location cache and every piece of
// reconciler state. Subscriptions and the connection are untouched, so the
// next snapshot repopulates the stores.
func (s *Session) Reset() error {
	if err := s.reconciler.Reset(); err != nil {
		return errors.Wrap(err, "session", "Reset", "reset reconciler")
	}
	if _, ok := s.monitor.Get(HealthReconciler); ok {
		s.monitor.UpdateHealthy(HealthReconciler, "no failed events")
	}
	s.logger.Info("session state reset")
	return nil
}

// Stop detaches every handler, drains queued commands until ctx's deadline
// (five seconds without one) and disconnects. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasStarted := s.started
	s.detachLocked()
	s.mu.Unlock()

	var errs []error
	if err := s.mux.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "session", "Stop", "close multiplexer"))
	}

	timeout := defaultStopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if wasStarted {
		if err := s.actions.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
		if err := s.transport.Disconnect(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "session", "Stop", "disconnect"))
		}
	}
	// The tracker is detached, so the entry would otherwise keep the last
	// state it saw.
	s.monitor.UpdateUnhealthy(HealthTransport, "session stopped")
	s.monitor.Remove(HealthReconciler)

	if err := s.reconciler.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "session", "Stop", "close reconciler"))
	}
	if err := s.locations.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "session", "Stop", "close location cache"))
	}

	s.logger.Info("session stopped", "agent_id", s.AgentID())
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *Session) detachLocked() {
	for _, a := range s.attachments {
		if err := a.Detach(); err != nil {
			s.logger.Debug("detach failed", "topic", a.Topic(), "error", err)
		}
	}
	s.attachments = nil
	if s.detachHealth != nil {
		s.detachHealth()
		s.detachHealth = nil
	}
	if s.detachDiag != nil {
		s.detachDiag()
		s.detachDiag = nil
	}
}

// Health rolls the transport and reconciler entries up into one status.
func (s *Session) Health() health.Status {
	return s.monitor.AggregateHealth("callagent")
}

// HealthReport adapts Health to metric.HealthFunc for the /health endpoint.
func (s *Session) HealthReport() (bool, any) {
	st := s.Health()
	return !st.IsUnhealthy(), st
}

// Send publishes cmd for the logged-in agent and returns the transport's
// result.
func (s *Session) Send(ctx context.Context, cmd action.Command) error {
	return s.actions.Publish(ctx, cmd)
}

func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) Orders() *order.Registry            { return s.orders }
func (s *Session) Locations() *location.Cache         { return s.locations }
func (s *Session) Reconciler() *reconciler.Reconciler { return s.reconciler }
func (s *Session) Actions() *action.Publisher         { return s.actions }
func (s *Session) Mux() *mux.Multiplexer              { return s.mux }
func (s *Session) Transport() transport.Transport     { return s.transport }
func (s *Session) Monitor() *health.Monitor           { return s.monitor }
