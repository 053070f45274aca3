package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/retry"
	"github.com/idompolo/call-agent-sub001/transport"
)

// transportName labels this client in metrics and health reports.
const transportName = "nats"

// Circuit breaker states as exported by the circuit breaker gauge.
const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
)

// Status holds runtime status information for the NATS client
type Status struct {
	State           transport.State
	Identity        string
	CircuitOpen     bool
	FailureCount    int32
	LastFailureTime time.Time
	LastError       string
	Reconnects      int32
	Subscriptions   int
	RTT             time.Duration
}

// Client is the direct transport: one NATS connection per identity with a
// circuit breaker around dialing and background redial until Disconnect.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics

	tracker transport.Tracker
	subs    transport.Subscriptions[*nats.Subscription]
	bindMu  sync.Mutex // serialises materialising pending subscriptions

	failures   atomic.Int32
	reconnects atomic.Int32

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	open             atomic.Bool
	circuitFailures  atomic.Int32 // failures in current circuit round
	circuitThreshold int32        // failures before opening circuit
	maxBackoff       time.Duration

	// Connection options
	reconnectWait   time.Duration
	pingInterval    time.Duration
	timeout         time.Duration
	drainTimeout    time.Duration
	deliveryTimeout time.Duration
	retryPolicy     retry.Config

	// Authentication - cleared on Close
	username string
	password string
	token    string

	tlsConfig   *tls.Config
	compression bool

	healthInterval time.Duration
	healthDone     chan struct{}

	mu          sync.RWMutex
	conn        *nats.Conn
	identity    string
	gen         uint64 // bumped by Connect and Disconnect to invalidate in-flight dials
	lastErr     error
	retryCancel context.CancelFunc
	retryDone   chan struct{}

	closed atomic.Bool
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url is required")
	}
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		deliveryTimeout:  30 * time.Second,
		retryPolicy:      retry.Reconnect(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger = c.logger.With("component", "natsclient", "url", url)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// State returns the current connection state.
func (m *Client) State() transport.State {
	return m.tracker.Load()
}

// OnConnectionChange registers fn for every state transition.
func (m *Client) OnConnectionChange(fn func(transport.State)) (detach func()) {
	return m.tracker.OnChange(fn)
}

// IsHealthy returns true if the connection is up
func (m *Client) IsHealthy() bool {
	return m.State() == transport.StateConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// CircuitOpen reports whether dialing is currently suspended.
func (m *Client) CircuitOpen() bool {
	return m.open.Load()
}

// LastError returns the most recent connection error, if any.
func (m *Client) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Client) setState(next transport.State) {
	if m.tracker.Set(next) {
		m.metrics.RecordTransportState(transportName, int(next))
		m.logger.Debug("transport state changed", "state", next.String())
	}
}

// recordFailure records a connection failure and manages circuit breaker
func (m *Client) recordFailure(err error) {
	totalFailures := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	circuitFailures := m.circuitFailures.Add(1)
	m.logger.Debug("dial failure recorded", "failures", totalFailures, "circuit_failures", circuitFailures, "error", err)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)

	// Only the goroutine that flips the breaker schedules the probe.
	if m.open.CompareAndSwap(false, true) {
		m.metrics.RecordCircuitBreakerState(circuitOpen)
		m.logger.Warn("circuit breaker opened", "failures", circuitFailures, "backoff", currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
		return
	}
	m.logger.Warn("circuit breaker still open", "backoff", newBackoff)
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})
	m.open.Store(false)
	m.metrics.RecordCircuitBreakerState(circuitClosed)
}

// testCircuit half-opens the breaker so the next dial attempt goes through.
func (m *Client) testCircuit() {
	if m.open.CompareAndSwap(true, false) {
		m.metrics.RecordCircuitBreakerState(circuitHalfOpen)
		m.logger.Debug("circuit breaker half-open")
	}
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

// buildConnectionOptions builds NATS connection options for identity
func (m *Client) buildConnectionOptions(identity string) []nats.Option {
	opts := []nats.Option{
		nats.Name(identity),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}

	if m.compression {
		opts = append(opts, nats.Compression(true))
	}

	return opts
}

// Status returns current status information
func (m *Client) Status() *Status {
	m.mu.RLock()
	identity := m.identity
	lastErr := m.lastErr
	conn := m.conn
	m.mu.RUnlock()

	status := &Status{
		State:           m.State(),
		Identity:        identity,
		CircuitOpen:     m.open.Load(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
		Reconnects:      m.reconnects.Load(),
		Subscriptions:   m.subs.Len(),
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

// Connect opens a connection named after identity. If the first dial fails
// the error is returned and dialing continues in the background until it
// succeeds or Disconnect is called. Connecting again with the same
// identity is a no-op; a different identity replaces the session.
func (m *Client) Connect(ctx context.Context, identity string) error {
	if m.closed.Load() {
		return &errors.ConnectionError{Endpoint: m.url, Identity: identity, Err: errors.ErrShuttingDown}
	}

	m.mu.RLock()
	same := m.identity == identity && m.conn != nil
	switching := m.conn != nil && m.identity != identity
	m.mu.RUnlock()
	if same {
		return nil
	}
	if switching {
		if err := m.Disconnect(ctx); err != nil {
			m.logger.Error("disconnect before identity switch failed", "error", err)
		}
	}
	m.stopRetry()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.identity = identity
	m.mu.Unlock()

	m.logger.Info("connecting", "identity", identity)
	err := m.dial(ctx, identity, gen)
	if err == nil {
		return nil
	}
	if !retry.IsNonRetryable(err) {
		m.startRetry(identity, gen)
	}
	return &errors.ConnectionError{Endpoint: m.url, Identity: identity, Err: err}
}

// dial makes one connection attempt for generation gen.
func (m *Client) dial(ctx context.Context, identity string, gen uint64) error {
	if m.open.Load() {
		m.setState(transport.StateError)
		return errors.ErrCircuitOpen
	}
	m.setState(transport.StateChecking)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := m.buildConnectionOptions(identity)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		done <- result{conn: conn, err: err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			m.recordFailure(r.err)
			m.setState(transport.StateError)
			return r.err
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		m.recordFailure(ctx.Err())
		m.setState(transport.StateError)
		return ctx.Err()
	}

	m.mu.Lock()
	if m.gen != gen || m.conn != nil {
		m.mu.Unlock()
		conn.Close()
		return retry.NonRetryable(errors.ErrShuttingDown)
	}
	m.conn = conn
	m.lastErr = nil
	m.mu.Unlock()

	m.resetCircuit()
	m.bindPending()
	m.setState(transport.StateConnected)
	m.startHealthMonitoring()

	m.logger.Info("connected", "identity", identity)
	return nil
}

// startRetry redials in the background with the retry policy. Only one loop
// runs at a time.
func (m *Client) startRetry(identity string, gen uint64) {
	m.mu.Lock()
	if m.retryCancel != nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.retryCancel = cancel
	m.retryDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		cfg := m.retryPolicy
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			m.logger.Debug("dial failed, retrying", "attempt", attempt, "error", err, "retry_in", delay)
		}
		err := retry.Do(ctx, cfg, func() error {
			return m.dial(ctx, identity, gen)
		})
		if err != nil && ctx.Err() == nil {
			m.logger.Error("giving up on redial", "error", err)
		}

		m.mu.Lock()
		if m.retryDone == done {
			m.retryCancel = nil
			m.retryDone = nil
		}
		m.mu.Unlock()
	}()
}

func (m *Client) stopRetry() {
	m.mu.Lock()
	cancel, done := m.retryCancel, m.retryDone
	m.retryCancel, m.retryDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Disconnect drains the connection and stops any background redial.
// Subscription intents are kept and come back on the next Connect.
func (m *Client) Disconnect(ctx context.Context) error {
	m.stopRetry()
	m.stopHealthMonitoring()

	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.subs.UnbindAll()

	var err error
	if conn != nil {
		err = m.drain(ctx, conn)
	}
	m.setState(transport.StateDisconnected)
	return err
}

// drain flushes in-flight messages within the drain timeout, bounded by ctx.
func (m *Client) drain(ctx context.Context, conn *nats.Conn) error {
	defer conn.Close()

	if err := conn.Drain(); err != nil {
		if stderrors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		m.logger.Error("drain failed", "error", err)
		return errors.Wrap(err, "Client", "Disconnect", "drain connection")
	}

	drainTimeout := m.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !conn.IsClosed() {
		select {
		case <-timer.C:
			m.logger.Error("drain timed out, force closing", "timeout", drainTimeout)
			return errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Disconnect", "drain timeout")
		case <-ctx.Done():
			m.logger.Error("drain cancelled, force closing")
			return errors.Wrap(ctx.Err(), "Client", "Disconnect", "context cancelled during drain")
		case <-ticker.C:
		}
	}
	return nil
}

// Close disconnects and releases the client for good. Credentials are
// cleared and later Connect calls fail.
func (m *Client) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.Disconnect(ctx)

	m.mu.Lock()
	m.username = ""
	m.password = ""
	m.token = ""
	m.mu.Unlock()
	return err
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe records handler for topic. The NATS subscription is opened now
// when connected, otherwise on the next successful connect.
func (m *Client) Subscribe(topic string, handler transport.Handler) (*transport.SubscriptionHandle, error) {
	if topic == "" || handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Client", "Subscribe", "topic and handler required")
	}
	h := m.subs.Add(topic, handler)
	m.bindPending()
	return h, nil
}

// Unsubscribe releases h and closes its NATS subscription. Releasing the
// same handle again is a no-op.
func (m *Client) Unsubscribe(h *transport.SubscriptionHandle) error {
	e, ok := m.subs.Remove(h)
	if !ok || !e.Bound || e.Binding == nil {
		return nil
	}
	err := e.Binding.Unsubscribe()
	if err == nil || stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return errors.WrapTransient(err, "Client", "Unsubscribe", "unsubscribe "+h.Topic())
}

// Publish sends payload on topic. It fails fast while not connected rather
// than buffering.
func (m *Client) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		m.metrics.RecordPublish(topic, false)
		return &errors.PublishError{Topic: topic, Err: errors.ErrNotConnected}
	}
	if err := conn.Publish(topic, payload); err != nil {
		m.metrics.RecordPublish(topic, false)
		return &errors.PublishError{Topic: topic, Err: err}
	}
	m.metrics.RecordPublish(topic, true)
	return nil
}

// bindPending opens NATS subscriptions for every intent without one.
func (m *Client) bindPending() {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return
	}

	for _, e := range m.subs.Unbound() {
		topic := e.Handle.Topic()
		sub, err := conn.Subscribe(topic, m.deliver(topic, e.Handler))
		if err != nil {
			m.logger.Error("subscribe failed", "topic", topic, "error", err)
			continue
		}
		if !m.subs.Bind(e.Handle, sub) {
			_ = sub.Unsubscribe()
		}
	}
}

// deliver adapts handler to a NATS callback. NATS invokes it sequentially
// per subscription, which preserves arrival order on a topic.
func (m *Client) deliver(topic string, handler transport.Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		m.metrics.RecordMessageReceived(topic)

		ctx, cancel := context.WithTimeout(context.Background(), m.deliveryTimeout)
		defer cancel()

		if err := transport.Deliver(ctx, nil, handler, msg.Subject, msg.Data); err != nil {
			m.metrics.RecordHandlerPanic(topic)
			m.logger.Error("handler panicked", "topic", topic, "error", err)
		}
	}
}

// current reports whether conn is the live connection. Callbacks from a
// connection that was replaced or closed by Disconnect are ignored.
func (m *Client) current(conn *nats.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return conn != nil && m.conn == conn
}

func (m *Client) handleDisconnect(conn *nats.Conn, err error) {
	if !m.current(conn) {
		return
	}
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("disconnected", "error", err)
	}
	m.setState(transport.StateReconnecting)
}

// handleReconnect fires after nats.go has restored the connection and
// resent every subscription.
func (m *Client) handleReconnect(conn *nats.Conn) {
	if !m.current(conn) {
		return
	}
	m.reconnects.Add(1)
	m.metrics.RecordReconnect(transportName)
	m.resetCircuit()
	m.setState(transport.StateConnected)
	m.logger.Info("reconnected", "server", conn.ConnectedUrl())
}

// handleClosed fires when nats.go gives up on a connection it owns. The
// client falls back to its own redial loop so the session still recovers.
func (m *Client) handleClosed(conn *nats.Conn) {
	m.mu.Lock()
	if conn == nil || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	identity, gen := m.identity, m.gen
	m.mu.Unlock()

	m.subs.UnbindAll()
	m.setState(transport.StateReconnecting)
	m.logger.Warn("connection closed, redialing")
	m.startRetry(identity, gen)
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("subscription error", "topic", sub.Subject, "error", err)
		return
	}
	m.logger.Error("connection error", "error", err)
}

// startHealthMonitoring samples RTT periodically for the metrics gauge.
func (m *Client) startHealthMonitoring() {
	if m.healthInterval <= 0 {
		return
	}
	m.stopHealthMonitoring()

	m.mu.Lock()
	done := make(chan struct{})
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rtt, err := m.RTT()
				if err != nil {
					continue
				}
				m.metrics.RecordRTT(rtt)
			}
		}
	}()
}

// stopHealthMonitoring stops health monitoring goroutine
func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
