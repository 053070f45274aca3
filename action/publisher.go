package action

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/timestamp"
	"github.com/idompolo/call-agent-sub001/pkg/worker"
	"github.com/idompolo/call-agent-sub001/transport"
)

const (
	DefaultWorkers        = 2
	DefaultQueueSize      = 64
	DefaultPublishTimeout = 5 * time.Second
)

type job struct {
	cmd      Command
	onResult func(Result)
}

// Publisher sends commands on behalf of the logged-in agent.
type Publisher struct {
	transport transport.Transport
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	workers   int
	queueSize int
	timeout   time.Duration
	now       func() int64

	mu      sync.RWMutex
	agentID string

	pool *worker.Pool[job]
}

// Option configures a Publisher.
type Option func(*Publisher) error

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) error {
		if logger != nil {
			p.logger = logger.With("component", "action")
		}
		return nil
	}
}

// WithMetricsRegistry exports the deferred-publish pool counters.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Publisher) error {
		p.registry = registry
		return nil
	}
}

// WithWorkers sizes the pool used by Go.
func WithWorkers(workers, queueSize int) Option {
	return func(p *Publisher) error {
		if workers <= 0 || queueSize <= 0 {
			return fmt.Errorf("workers and queue size must be positive, got %d and %d", workers, queueSize)
		}
		p.workers, p.queueSize = workers, queueSize
		return nil
	}
}

// WithPublishTimeout bounds each deferred publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) error {
		if d <= 0 {
			return fmt.Errorf("publish timeout must be positive, got %v", d)
		}
		p.timeout = d
		return nil
	}
}

func WithClock(now func() int64) Option {
	return func(p *Publisher) error {
		if now == nil {
			return fmt.Errorf("clock is nil")
		}
		p.now = now
		return nil
	}
}

func NewPublisher(t transport.Transport, opts ...Option) (*Publisher, error) {
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "action.Publisher", "NewPublisher", "transport is required")
	}
	p := &Publisher{
		transport: t,
		logger:    slog.Default().With("component", "action"),
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		timeout:   DefaultPublishTimeout,
		now:       timestamp.Now,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, errors.WrapInvalid(err, "action.Publisher", "NewPublisher", "apply option")
		}
	}

	var poolOpts []worker.Option[job]
	poolOpts = append(poolOpts, worker.WithLogger[job](p.logger))
	if p.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](p.registry, "action"))
	}
	pool, err := worker.NewPool(p.workers, p.queueSize, p.process, poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "action.Publisher", "NewPublisher", "create worker pool")
	}
	p.pool = pool
	return p, nil
}

// SetAgent sets the agent commands are published for.
func (p *Publisher) SetAgent(agentID string) {
	p.mu.Lock()
	p.agentID = agentID
	p.mu.Unlock()
}

func (p *Publisher) Agent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentID
}

// Start launches the workers used by Go.
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "action.Publisher", "Start", "start worker pool")
	}
	return nil
}

// Stop waits up to timeout for deferred publishes already queued.
func (p *Publisher) Stop(timeout time.Duration) error {
	if err := p.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "action.Publisher", "Stop", "drain worker pool")
	}
	return nil
}

// Publish sends cmd and returns the transport's result. Failures are
// *errors.PublishError and are never retried here.
func (p *Publisher) Publish(ctx context.Context, cmd Command) error {
	_, err := p.publish(ctx, cmd)
	return err
}

func (p *Publisher) publish(ctx context.Context, cmd Command) (string, error) {
	agentID := p.Agent()
	if agentID == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "action.Publisher", "Publish", "no agent set")
	}
	if err := cmd.validate(); err != nil {
		return "", errors.WrapInvalid(err, "action.Publisher", "Publish", "validate command")
	}

	topic := cmd.Topic(agentID)
	payload, err := cmd.encode(p.now())
	if err != nil {
		return topic, errors.WrapInvalid(err, "action.Publisher", "Publish", "encode "+cmd.Name)
	}

	if err := p.transport.Publish(ctx, topic, payload); err != nil {
		var pubErr *errors.PublishError
		if !stderrors.As(err, &pubErr) {
			err = &errors.PublishError{Topic: topic, Err: err}
		}
		p.logger.Warn("command publish failed",
			"command", cmd.Name, "order_id", cmd.EntityID, "command_id", cmd.ID, "error", err)
		return topic, err
	}
	p.logger.Debug("command published", "command", cmd.Name, "order_id", cmd.EntityID, "topic", topic)
	return topic, nil
}

// Go queues cmd for publishing on the worker pool and returns at once.
// onResult, when set, runs on a worker goroutine with the outcome. A full
// queue or a stopped publisher is reported by the returned error and
// onResult is not called.
func (p *Publisher) Go(cmd Command, onResult func(Result)) error {
	if err := p.pool.Submit(job{cmd: cmd, onResult: onResult}); err != nil {
		if stderrors.Is(err, worker.ErrQueueFull) {
			return errors.WrapTransient(err, "action.Publisher", "Go", "queue "+cmd.Name)
		}
		return errors.WrapFatal(err, "action.Publisher", "Go", "queue "+cmd.Name)
	}
	return nil
}

func (p *Publisher) process(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic, err := p.publish(ctx, j.cmd)
	if j.onResult != nil {
		j.onResult(Result{Command: j.cmd, Topic: topic, Err: err})
	}
	return err
}

// Stats exposes the deferred-publish pool counters.
func (p *Publisher) Stats() worker.PoolStats {
	return p.pool.Stats()
}
