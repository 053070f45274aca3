package relay

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/retry"
	"github.com/idompolo/call-agent-sub001/transport"
)

const clientTransportName = "relay"

// Client is the relay transport. It forwards every call over a websocket
// to a Bridge running in a privileged host process and receives inbound
// messages and state changes as events on the same socket.
//
// The websocket link is redialed with backoff whenever it drops. After each
// redial the client replays its topic subscriptions and, if a session was
// requested, its connect request.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	header         http.Header
	logger         *slog.Logger
	metrics        *metric.Metrics
	requestTimeout time.Duration
	writeTimeout   time.Duration
	retryPolicy    retry.Config
	confirmPolicy  retry.Config

	tracker transport.Tracker
	subs    transport.Subscriptions[struct{}]

	mu         sync.Mutex
	conn       *websocket.Conn
	linkReady  chan struct{} // closed while a link is up
	links      int
	pending    map[string]chan Envelope
	topicRefs  map[string]int
	identity   string
	wanted     bool // a session was requested and not yet ended
	connecting int  // Connect calls in flight; replay leaves the session to them
	runCtx     context.Context
	confirming map[string]bool
	cancel     context.CancelFunc
	done       chan struct{}
	confirms   sync.WaitGroup

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a relay client for the bridge at url (ws:// or wss://).
// No connection is made until Connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "relay.Client", "NewClient", "url is required")
	}
	c := &Client{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         slog.Default(),
		requestTimeout: 10 * time.Second,
		writeTimeout:   5 * time.Second,
		retryPolicy:    retry.Reconnect(),
		confirmPolicy:  subscribeRetry(),
		linkReady:      make(chan struct{}),
		pending:        make(map[string]chan Envelope),
		topicRefs:      make(map[string]int),
		confirming:     make(map[string]bool),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "relay.Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "relay_client", "url", url)
	return c, nil
}

func (c *Client) State() transport.State {
	return c.tracker.Load()
}

func (c *Client) OnConnectionChange(fn func(transport.State)) (detach func()) {
	return c.tracker.OnChange(fn)
}

func (c *Client) setState(next transport.State) {
	if c.tracker.Set(next) {
		c.metrics.RecordTransportState(clientTransportName, int(next))
		c.logger.Debug("relay state changed", "state", next.String())
	}
}

// applyRemote adopts the state the bridge reported, or fallback when the
// reply carried none.
func (c *Client) applyRemote(name string, fallback transport.State) {
	s, err := transport.ParseState(name)
	if name == "" || err != nil {
		s = fallback
	}
	c.setState(s)
}

// Connect asks the bridge to open the broker session for identity. The
// websocket link is dialed first if needed; failures come back as
// *errors.ConnectionError while the link keeps redialing in the background.
func (c *Client) Connect(ctx context.Context, identity string) error {
	if c.closed.Load() {
		return &errors.ConnectionError{Endpoint: c.url, Identity: identity, Err: errors.ErrShuttingDown}
	}

	c.mu.Lock()
	c.identity = identity
	c.wanted = true
	c.connecting++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting--
		c.mu.Unlock()
	}()

	c.ensureRunning()
	c.setState(transport.StateChecking)

	if err := c.waitLink(ctx); err != nil {
		c.setState(transport.StateError)
		return &errors.ConnectionError{Endpoint: c.url, Identity: identity, Err: err}
	}

	reply, err := c.request(ctx, Envelope{Type: TypeConnect, UserID: identity})
	if err != nil {
		c.applyRemote(reply.State, transport.StateError)
		return &errors.ConnectionError{Endpoint: c.url, Identity: identity, Err: err}
	}
	c.applyRemote(reply.State, transport.StateConnected)
	return nil
}

// Disconnect ends the broker session and closes the link. Subscriptions
// stay recorded and are replayed by the next Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasWanted := c.wanted
	c.wanted = false
	c.mu.Unlock()

	var err error
	if wasWanted {
		if _, rerr := c.request(ctx, Envelope{Type: TypeDisconnect}); rerr != nil && !stderrors.Is(rerr, errors.ErrNotConnected) {
			err = errors.WrapTransient(rerr, "relay.Client", "Disconnect", "disconnect request")
		}
	}
	c.stop()
	c.setState(transport.StateDisconnected)
	return err
}

// Close disconnects for good; later Connect calls fail.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Disconnect(ctx)
}

// Reconnect asks the bridge to restart the broker session with the
// identity it already holds.
func (c *Client) Reconnect(ctx context.Context) error {
	reply, err := c.request(ctx, Envelope{Type: TypeReconnect})
	if err != nil {
		c.mu.Lock()
		identity := c.identity
		c.mu.Unlock()
		return &errors.ConnectionError{Endpoint: c.url, Identity: identity, Err: err}
	}
	c.applyRemote(reply.State, transport.StateConnected)
	return nil
}

// Status queries the bridge for the broker session it holds.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	reply, err := c.request(ctx, Envelope{Type: TypeStatus})
	if err != nil {
		return StatusReport{}, errors.WrapTransient(err, "relay.Client", "Status", "status request")
	}
	return StatusReport{State: reply.State, UserID: reply.UserID, Topics: reply.Topics}, nil
}

// Publish forwards payload and waits for the bridge's verdict.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := c.request(ctx, Envelope{Type: TypePublish, Topic: topic, Payload: payload}); err != nil {
		c.metrics.RecordPublish(topic, false)
		return &errors.PublishError{Topic: topic, Err: err}
	}
	c.metrics.RecordPublish(topic, true)
	return nil
}

// Subscribe records handler for topic. The bridge is asked for each topic
// once, however many local handlers share it, and asked again until it
// acks.
func (c *Client) Subscribe(topic string, handler transport.Handler) (*transport.SubscriptionHandle, error) {
	if topic == "" || handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "relay.Client", "Subscribe", "topic and handler required")
	}
	h := c.subs.Add(topic, handler)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topicRefs[topic]++
	if c.topicRefs[topic] == 1 && c.conn != nil {
		c.confirmLocked(topic)
	}
	return h, nil
}

// Unsubscribe releases h. The bridge subscription goes away with the last
// local handler for the topic.
func (c *Client) Unsubscribe(h *transport.SubscriptionHandle) error {
	if _, ok := c.subs.Remove(h); !ok {
		return nil
	}
	topic := h.Topic()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topicRefs[topic]--
	if c.topicRefs[topic] <= 0 {
		delete(c.topicRefs, topic)
		c.sendLocked(Envelope{Type: TypeUnsubscribe, Topic: topic})
	}
	return nil
}

func (c *Client) ensureRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.runCtx = ctx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.links = 0
	go c.run(ctx, c.done)
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.runCtx = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.confirms.Wait()
}

// waitLink blocks until the websocket link is up, for at most one request
// timeout.
func (c *Client) waitLink(ctx context.Context) error {
	c.mu.Lock()
	ready := c.linkReady
	c.mu.Unlock()

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// confirmLocked starts the subscribe loop for topic unless one is running.
// Caller holds c.mu.
func (c *Client) confirmLocked(topic string) {
	if c.confirming[topic] || c.runCtx == nil {
		return
	}
	c.confirming[topic] = true
	c.confirms.Add(1)
	go c.confirm(c.runCtx, topic)
}

// confirm sends subscribe for topic until the bridge acks it. Nacks, such
// as a spent request budget, and lost links are retried with backoff; the
// loop ends once no local handler wants the topic.
func (c *Client) confirm(ctx context.Context, topic string) {
	defer c.confirms.Done()
	defer func() {
		c.mu.Lock()
		delete(c.confirming, topic)
		c.mu.Unlock()
	}()

	policy := c.confirmPolicy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		var nack *nackError
		if stderrors.As(err, &nack) {
			c.logger.Warn("relay subscribe rejected", "topic", topic, "attempt", attempt, "error", err, "retry_in", delay)
			return
		}
		c.logger.Debug("relay subscribe pending", "topic", topic, "attempt", attempt, "error", err, "retry_in", delay)
	}

	acked := false
	err := retry.Do(ctx, policy, func() error {
		if !c.wantsTopic(topic) {
			return nil
		}
		if err := c.waitLink(ctx); err != nil {
			return err
		}
		_, err := c.request(ctx, Envelope{Type: TypeSubscribe, Topic: topic})
		acked = err == nil
		return err
	})
	if err != nil {
		c.logger.Debug("relay subscribe abandoned", "topic", topic, "error", err)
		return
	}
	if !acked {
		return
	}

	// The last handler may have gone while the ack was in flight.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topicRefs[topic] == 0 {
		c.sendLocked(Envelope{Type: TypeUnsubscribe, Topic: topic})
	}
}

func subscribeRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  retry.Unbounded,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (c *Client) wantsTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicRefs[topic] > 0
}

// run owns the websocket link: dial, replay, read until it drops, repeat.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	policy := c.retryPolicy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("relay dial failed", "attempt", attempt, "error", err, "retry_in", delay)
	}

	for {
		conn, err := retry.DoWithResult(ctx, policy, func() (*websocket.Conn, error) {
			conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
			return conn, err
		})
		if err != nil {
			return
		}

		c.attach(conn)
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			c.readLoop(conn)
		}()

		c.replay(ctx)

		select {
		case <-readDone:
		case <-ctx.Done():
			_ = conn.Close()
			<-readDone
		}
		c.detach(conn)

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.linkReady)
	c.links++
	redial := c.links > 1
	c.mu.Unlock()

	if redial {
		c.metrics.RecordReconnect(clientTransportName)
	}
	c.logger.Info("relay link up")
}

// detach forgets conn and fails every request still waiting on it.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.linkReady = make(chan struct{})
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	wanted := c.wanted
	c.mu.Unlock()

	_ = conn.Close()
	if wanted {
		c.setState(transport.StateReconnecting)
		c.logger.Warn("relay link lost, redialing")
		return
	}
	c.setState(transport.StateDisconnected)
}

// replay restores the bridge-side view after a fresh link: one confirmed
// subscribe per topic, then the session if one was requested and no
// Connect call is about to send it. Duplicate subscribes are no-ops on the
// bridge.
func (c *Client) replay(ctx context.Context) {
	c.mu.Lock()
	identity := c.identity
	wanted := c.wanted && c.connecting == 0
	topics := make([]string, 0, len(c.topicRefs))
	for topic := range c.topicRefs {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		c.confirmLocked(topic)
	}
	c.mu.Unlock()

	if !wanted {
		return
	}
	reply, err := c.request(ctx, Envelope{Type: TypeConnect, UserID: identity})
	if err != nil {
		c.logger.Warn("relay session replay failed", "identity", identity, "error", err)
		c.applyRemote(reply.State, transport.StateError)
		return
	}
	c.applyRemote(reply.State, transport.StateConnected)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("relay read ended", "error", err)
			return
		}
		env, err := parseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping relay frame", "error", err)
			continue
		}

		switch env.Type {
		case TypeAck, TypeNack:
			c.resolve(env)
		case TypeMessage:
			c.dispatch(env)
		case TypeState:
			c.remoteState(env.State)
		default:
			c.logger.Warn("unexpected relay frame", "type", env.Type)
		}
	}
}

func (c *Client) resolve(env Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if ok {
		ch <- env
		return
	}
	if env.Type == TypeNack {
		c.logger.Warn("relay request rejected", "id", env.ID, "topic", env.Topic, "error", env.Error)
	}
}

// dispatch runs on the read goroutine, so handlers see one topic's messages
// in arrival order.
func (c *Client) dispatch(env Envelope) {
	c.metrics.RecordMessageReceived(env.Topic)
	for _, handler := range c.subs.ForTopic(env.Topic) {
		if err := transport.Deliver(context.Background(), c.logger, handler, env.Topic, env.Payload); err != nil {
			c.metrics.RecordHandlerPanic(env.Topic)
		}
	}
}

func (c *Client) remoteState(name string) {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if !wanted {
		return
	}
	s, err := transport.ParseState(name)
	if err != nil {
		c.logger.Warn("bridge reported unknown state", "state", name)
		return
	}
	c.setState(s)
}

// request sends env and waits for the matching ack or nack.
func (c *Client) request(ctx context.Context, env Envelope) (Envelope, error) {
	env.ID = uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Envelope{}, errors.ErrNotConnected
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, env); err != nil {
		return Envelope{}, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, errors.ErrConnectionLost
		}
		if reply.Type == TypeNack {
			return reply, &nackError{request: env.Type, reason: reply.Error}
		}
		return reply, nil
	case <-timer.C:
		return Envelope{}, errors.ErrRelayRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// sendLocked writes a request whose reply nobody waits for. Nothing is
// sent while the link is down; replay covers it. Caller holds c.mu.
func (c *Client) sendLocked(env Envelope) {
	if c.conn == nil {
		return
	}
	env.ID = uuid.NewString()
	if err := c.write(c.conn, env); err != nil {
		c.logger.Warn("relay send failed", "type", env.Type, "topic", env.Topic, "error", err)
	}
}

func (c *Client) write(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(stamp(env))
}

// Topics returns the topics currently requested from the bridge, sorted.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topicRefs))
	for topic := range c.topicRefs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
