//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer is a NATS server running in a container for integration tests.
type TestServer struct {
	container testcontainers.Container
	URL       string
}

type testConfig struct {
	natsVersion  string
	startTimeout time.Duration
}

// TestOption configures StartTestServer.
type TestOption func(*testConfig)

// WithNATSVersion specifies a specific NATS server version to use
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = timeout
	}
}

// StartTestServer starts a NATS container and terminates it on test cleanup.
func StartTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()

	srv, err := NewSharedTestServer(opts...)
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = srv.Terminate() })
	return srv
}

// NewSharedTestServer starts a container without a testing.TB so it can be
// used from TestMain. The caller terminates it.
func NewSharedTestServer(opts ...TestOption) (*TestServer, error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &TestServer{
		container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}, nil
}

// NewClient returns a client for the server that is closed on test cleanup.
// It is not connected yet.
func (s *TestServer) NewClient(t testing.TB, opts ...ClientOption) *Client {
	t.Helper()

	opts = append([]ClientOption{WithHealthInterval(0), WithTimeout(5 * time.Second)}, opts...)
	client, err := NewClient(s.URL, opts...)
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

// Stop pauses the server without removing it.
func (s *TestServer) Stop(ctx context.Context) error {
	timeout := 5 * time.Second
	return s.container.Stop(ctx, &timeout)
}

// Terminate removes the container.
func (s *TestServer) Terminate() error {
	if s.container == nil {
		return nil
	}
	err := s.container.Terminate(context.Background())
	s.container = nil
	return err
}
