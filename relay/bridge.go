package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/transport"
)

// Bridge serves relay clients over websocket and executes their requests on
// an upstream transport, normally the direct NATS client of the host
// process. The upstream is shared by all sessions and owned by the caller.
//
// Everything a session registers on the upstream (subscriptions and the
// state listener) is removed when the session's socket closes.
type Bridge struct {
	upstream       transport.Transport
	logger         *slog.Logger
	metrics        *metric.Metrics
	upgrader       websocket.Upgrader
	requestTimeout time.Duration
	writeTimeout   time.Duration
	requestRate    rate.Limit
	requestBurst   int

	mu       sync.Mutex
	identity string
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewBridge creates a bridge over upstream. Mount it on an http.ServeMux.
func NewBridge(upstream transport.Transport, opts ...BridgeOption) (*Bridge, error) {
	if upstream == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "relay.Bridge", "NewBridge", "upstream transport is required")
	}
	b := &Bridge{
		upstream:       upstream,
		logger:         slog.Default(),
		requestTimeout: 10 * time.Second,
		writeTimeout:   5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, errors.WrapInvalid(err, "relay.Bridge", "NewBridge", "apply option")
		}
	}
	b.logger = b.logger.With("component", "relay_bridge")
	return b, nil
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &session{
		id:       uuid.NewString(),
		bridge:   b,
		conn:     conn,
		detaches: make(map[string]func()),
	}
	if b.requestRate > 0 {
		s.limiter = rate.NewLimiter(b.requestRate, b.requestBurst)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.sessions[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("relay session opened", "session", s.id, "remote", r.RemoteAddr)
	go s.serve()
}

// Identity returns the identity of the last connect request.
func (b *Bridge) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Sessions returns the number of open client sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close drops every session and waits for their cleanup. The upstream
// transport is left as it is.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.dropSessions()
	b.wg.Wait()
}

// dropSessions closes every open socket; the sessions clean up on their own
// goroutines.
func (b *Bridge) dropSessions() {
	b.mu.Lock()
	open := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	for _, s := range open {
		_ = s.conn.Close()
	}
}

func (b *Bridge) removeSession(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

func (b *Bridge) setIdentity(identity string) {
	b.mu.Lock()
	b.identity = identity
	b.mu.Unlock()
}

type session struct {
	id     string
	bridge *Bridge
	conn   *websocket.Conn

	writeMu sync.Mutex
	limiter *rate.Limiter

	mu        sync.Mutex
	detaches  map[string]func()
	stopState func()
}

func (s *session) serve() {
	b := s.bridge
	defer b.wg.Done()
	defer s.close()

	s.stopState = b.upstream.OnConnectionChange(func(st transport.State) {
		s.send(Envelope{Type: TypeState, State: st.String()})
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("relay session read failed", "session", s.id, "error", err)
			}
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			s.send(Envelope{Type: TypeNack, Error: err.Error()})
			continue
		}
		if !isRequest(env.Type) {
			s.nack(env, "unknown request type "+env.Type)
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			b.metrics.RecordRelayRequest(env.Type, "rate_limited")
			s.nack(env, "rate limited")
			continue
		}
		s.handle(env)
	}
}

func (s *session) handle(env Envelope) {
	b := s.bridge
	ctx, cancel := context.WithTimeout(context.Background(), b.requestTimeout)
	defer cancel()

	switch env.Type {
	case TypeConnect:
		if env.UserID == "" {
			s.nack(env, "userId is required")
			return
		}
		b.setIdentity(env.UserID)
		s.result(env, b.upstream.Connect(ctx, env.UserID))

	case TypeDisconnect:
		s.result(env, b.upstream.Disconnect(ctx))

	case TypeReconnect:
		identity := b.Identity()
		if identity == "" {
			s.nack(env, "no session to reconnect")
			return
		}
		if err := b.upstream.Disconnect(ctx); err != nil {
			b.logger.Debug("disconnect before reconnect failed", "error", err)
		}
		s.result(env, b.upstream.Connect(ctx, identity))

	case TypePublish:
		if env.Topic == "" {
			s.nack(env, "topic is required")
			return
		}
		s.result(env, b.upstream.Publish(ctx, env.Topic, env.Payload))

	case TypeSubscribe:
		s.result(env, s.subscribe(env.Topic))

	case TypeUnsubscribe:
		s.unsubscribe(env.Topic)
		s.ack(env)

	case TypeStatus:
		s.send(Envelope{
			Type:   TypeAck,
			ID:     env.ID,
			State:  b.upstream.State().String(),
			UserID: b.Identity(),
			Topics: s.topics(),
		})
	}
}

// subscribe registers topic on the upstream once per session.
func (s *session) subscribe(topic string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "relay.Bridge", "subscribe", "topic is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detaches[topic]; ok {
		return nil
	}

	upstream := s.bridge.upstream
	h, err := upstream.Subscribe(topic, func(_ context.Context, t string, payload []byte) {
		s.send(Envelope{Type: TypeMessage, Topic: t, Payload: payload})
	})
	if err != nil {
		return err
	}

	var once sync.Once
	s.detaches[topic] = func() {
		once.Do(func() {
			if err := upstream.Unsubscribe(h); err != nil {
				s.bridge.logger.Warn("upstream unsubscribe failed", "topic", topic, "error", err)
			}
		})
	}
	return nil
}

func (s *session) unsubscribe(topic string) {
	s.mu.Lock()
	detach, ok := s.detaches[topic]
	delete(s.detaches, topic)
	s.mu.Unlock()

	if ok {
		detach()
	}
}

func (s *session) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.detaches))
	for topic := range s.detaches {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (s *session) close() {
	if s.stopState != nil {
		s.stopState()
	}

	s.mu.Lock()
	detaches := s.detaches
	s.detaches = make(map[string]func())
	s.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
	_ = s.conn.Close()
	s.bridge.removeSession(s.id)
	s.bridge.logger.Info("relay session closed", "session", s.id, "released", len(detaches))
}

func (s *session) result(env Envelope, err error) {
	if err != nil {
		s.bridge.metrics.RecordRelayRequest(env.Type, "error")
		s.bridge.metrics.RecordError("relay_bridge", errors.Classify(err).String())
		s.nack(env, err.Error())
		return
	}
	s.bridge.metrics.RecordRelayRequest(env.Type, "ok")
	s.ack(env)
}

func (s *session) ack(env Envelope) {
	s.send(Envelope{Type: TypeAck, ID: env.ID, Topic: env.Topic, State: s.bridge.upstream.State().String()})
}

func (s *session) nack(env Envelope, reason string) {
	s.send(Envelope{
		Type:  TypeNack,
		ID:    env.ID,
		Topic: env.Topic,
		State: s.bridge.upstream.State().String(),
		Error: reason,
	})
}

func (s *session) send(env Envelope) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.bridge.writeTimeout)); err != nil {
		return
	}
	if err := s.conn.WriteJSON(stamp(env)); err != nil {
		s.bridge.logger.Debug("relay session write failed", "session", s.id, "type", env.Type, "error", err)
	}
}
