package session

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/idompolo/call-agent-sub001/action"
	"github.com/idompolo/call-agent-sub001/config"
	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/health"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/natsclient"
	"github.com/idompolo/call-agent-sub001/pkg/security"
	"github.com/idompolo/call-agent-sub001/reconciler"
	"github.com/idompolo/call-agent-sub001/relay"
	"github.com/idompolo/call-agent-sub001/testutil"
	"github.com/idompolo/call-agent-sub001/transport"
)

const (
	waitTimeout = 2 * time.Second
	fixedNow    = int64(1714525500000)
)

type SessionSuite struct {
	suite.Suite
	tr      *testutil.Transport
	session *Session
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.tr = testutil.NewTransport()
	sess, err := New(config.Defaults(), s.tr, Deps{
		Registry: metric.NewMetricsRegistry(),
		Clock:    func() int64 { return fixedNow },
	})
	s.Require().NoError(err)
	s.session = sess
}

func (s *SessionSuite) TearDownTest() {
	s.NoError(s.session.Stop(context.Background()))
}

func (s *SessionSuite) start() {
	s.Require().NoError(s.session.Start(context.Background(), "7"))
}

func (s *SessionSuite) inject(topic, payload string) {
	s.Equal(1, s.tr.Inject(topic, []byte(payload)), "one transport subscription per topic")
}

func (s *SessionSuite) waitOrders(n int) {
	testutil.WaitFor(s.T(), waitTimeout, func() bool { return s.session.Orders().Len() == n },
		"%d orders", n)
}

func (s *SessionSuite) TestStartSubscribesEveryTopicAndConnects() {
	s.start()

	s.Equal("7", s.tr.Identity())
	s.Equal("7", s.session.AgentID())
	s.Equal(transport.StateConnected, s.tr.State())

	topics := reconciler.Topics(reconciler.DefaultTopics(""))
	s.Equal(topics, s.session.Mux().Topics())
	for _, topic := range topics {
		s.Equal(1, s.tr.Opened(topic), topic)
	}
}

func (s *SessionSuite) TestEventsReachTheStores() {
	s.start()

	s.inject("web/syncOrders", testutil.SnapshotPayload)
	s.waitOrders(2)

	s.inject("web/acceptOrder", testutil.AcceptOrderPayload)
	testutil.WaitFor(s.T(), waitTimeout, func() bool {
		rec, ok := s.session.Orders().Get(1)
		return ok && rec.AcceptAgent == "7"
	}, "order 1 accepted")

	s.inject(reconciler.DefaultLocationTopic, testutil.LocationBatchPayload)
	testutil.WaitFor(s.T(), waitTimeout, func() bool { return s.session.Locations().Len() == 2 }, "two fixes")
}

func (s *SessionSuite) TestResetKeepsSubscriptions() {
	s.start()
	s.inject("web/syncOrders", testutil.SnapshotPayload)
	s.waitOrders(2)
	active := s.tr.Active()

	s.Require().NoError(s.session.Reset())
	s.Zero(s.session.Orders().Len())
	s.Zero(s.session.Locations().Len())
	s.Equal(active, s.tr.Active())
	s.Equal(transport.StateConnected, s.tr.State())

	s.inject("web/syncOrders", testutil.SnapshotPayload)
	s.waitOrders(2)
}

func (s *SessionSuite) TestStopDetachesAndDisconnects() {
	s.start()
	s.Require().NoError(s.session.Stop(context.Background()))

	s.Zero(s.tr.Active())
	s.Empty(s.session.Mux().Topics())
	s.Equal(transport.StateDisconnected, s.tr.State())

	st, ok := s.session.Monitor().Get(HealthTransport)
	s.Require().True(ok)
	s.True(st.IsUnhealthy(), "a stopped session does not report the last connected state")
	_, ok = s.session.Monitor().Get(HealthReconciler)
	s.False(ok)
	healthy, _ := s.session.HealthReport()
	s.False(healthy)
	s.NoError(s.session.Stop(context.Background()), "second Stop is a no-op")

	err := s.session.Start(context.Background(), "7")
	s.Require().Error(err)
	s.True(errors.IsFatal(err))
}

func (s *SessionSuite) TestStartTwice() {
	s.start()
	err := s.session.Start(context.Background(), "7")
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrAlreadyStarted))
}

func (s *SessionSuite) TestStartRequiresAgent() {
	err := s.session.Start(context.Background(), "")
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrMissingConfig))
	s.Zero(s.tr.ConnectCalls())
}

func (s *SessionSuite) TestConnectFailureLeavesSessionStarted() {
	s.tr.FailConnect(stderrors.New("authorization violation"))

	err := s.session.Start(context.Background(), "7")
	s.Require().Error(err)
	var connErr *errors.ConnectionError
	s.True(stderrors.As(err, &connErr))

	s.NotEmpty(s.session.Mux().Topics(), "subscriptions are recorded for when the transport recovers")
	s.True(s.session.Health().IsUnhealthy())

	s.tr.FailConnect(nil)
	s.Require().NoError(s.tr.Connect(context.Background(), "7"))
	s.inject("web/syncOrders", testutil.SnapshotPayload)
	s.waitOrders(2)
}

func (s *SessionSuite) TestHealthFollowsTransport() {
	s.start()
	s.True(s.session.Health().IsHealthy())
	healthy, detail := s.session.HealthReport()
	s.True(healthy)
	s.IsType(health.Status{}, detail)

	s.tr.SetState(transport.StateReconnecting)
	s.True(s.session.Health().IsDegraded())
	healthy, _ = s.session.HealthReport()
	s.True(healthy, "degraded still serves")

	s.tr.SetState(transport.StateError)
	s.True(s.session.Health().IsUnhealthy())
	healthy, _ = s.session.HealthReport()
	s.False(healthy)
}

func (s *SessionSuite) TestSendPublishesForAgent() {
	s.start()
	s.Require().NoError(s.session.Send(context.Background(), action.Dispatch(1, "12가3456", "D-77")))

	pubs := s.tr.Published()
	s.Require().Len(pubs, 1)
	s.Equal("agent/7/dispatch", pubs[0].Topic)
}

func TestStartFallsBackToConfiguredAgent(t *testing.T) {
	cfg := config.Defaults()
	cfg.Agent.ID = "12"
	tr := testutil.NewTransport()
	s, err := New(cfg, tr, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.Start(context.Background(), ""))
	assert.Equal(t, "12", tr.Identity())
	assert.Equal(t, "12", s.Actions().Agent())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testutil.NewTransport(), Deps{})
	assert.True(t, errors.IsInvalid(err))

	_, err = New(config.Defaults(), nil, Deps{})
	assert.True(t, errors.IsInvalid(err))

	cfg := config.Defaults()
	cfg.Topics.Overrides = map[string]string{"web/legacy": "order-deleted"}
	_, err = New(cfg, testutil.NewTransport(), Deps{})
	assert.True(t, errors.IsInvalid(err))

	cfg = config.Defaults()
	cfg.Actions.Workers = 0
	_, err = New(cfg, testutil.NewTransport(), Deps{})
	assert.Error(t, err)
}

func TestTopicTable(t *testing.T) {
	table, err := TopicTable(config.TopicsConfig{
		LocationTopic: "gps/batch",
		Overrides: map[string]string{
			"web/legacyAdd": "order-added",
			"web/chat":      "",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, reconciler.KindLocationBatch, table["gps/batch"])
	assert.NotContains(t, table, reconciler.DefaultLocationTopic)
	assert.Equal(t, reconciler.KindAdded, table["web/legacyAdd"])
	assert.NotContains(t, table, "web/chat")
	assert.Equal(t, reconciler.KindSnapshot, table["web/syncOrders"])
}

func TestOverriddenTopicIsSubscribed(t *testing.T) {
	cfg := config.Defaults()
	cfg.Topics.Overrides = map[string]string{"web/legacyAdd": "order-added"}
	tr := testutil.NewTransport()
	s, err := New(cfg, tr, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	require.NoError(t, s.Start(context.Background(), "7"))

	require.Equal(t, 1, tr.Inject("web/legacyAdd", []byte(testutil.AddOrderPayload)))
	testutil.WaitFor(t, waitTimeout, func() bool {
		_, ok := s.Orders().Get(3)
		return ok
	}, "order 3 added")
}

func TestNewTransport(t *testing.T) {
	cfg := config.Defaults()
	cfg.NATS.Username, cfg.NATS.Password = "dispatcher", "secret"
	tr, err := NewTransport(cfg, Deps{Registry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	assert.IsType(t, &natsclient.Client{}, tr)
	assert.Equal(t, transport.StateDisconnected, tr.State())

	cfg = config.Defaults()
	cfg.Transport.Mode = config.TransportRelay
	cfg.Relay.URL = "ws://127.0.0.1:8765/relay"
	tr, err = NewTransport(cfg, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &relay.Client{}, tr)

	cfg.Relay.URL = "wss://127.0.0.1:8765/relay"
	cfg.Security.TLS.Client = security.ClientTLSConfig{CAFiles: []string{"/nonexistent/ca.pem"}}
	_, err = NewTransport(cfg, Deps{})
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.NATS.TLS = true
	cfg.Security.TLS.Client = security.ClientTLSConfig{CAFiles: []string{"/nonexistent/ca.pem"}}
	_, err = NewTransport(cfg, Deps{})
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.Transport.Mode = "carrier-pigeon"
	_, err = NewTransport(cfg, Deps{})
	assert.True(t, errors.IsInvalid(err))

	_, err = NewTransport(nil, Deps{})
	assert.True(t, errors.IsInvalid(err))
}
