package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/idompolo/call-agent-sub001/metric"
)

// Pool runs a fixed number of goroutines that hand queued items of type T to
// a processor. Submit never blocks: a full queue rejects the item.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsName     string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      *prometheus.CounterVec
	dropped        prometheus.Counter
	processingTime prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool counters labelled with name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsName = name
	}
}

// WithLogger sets the logger used for recovered processor panics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive workers or queueSize select 4 and 256.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsName != "" {
		m, err := newPoolMetrics(p.metricsRegistry, p.metricsName)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callagent", Subsystem: "worker", Name: "queue_depth",
			Help: "Items waiting in the worker queue", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callagent", Subsystem: "worker", Name: "submitted_total",
			Help: "Items accepted by Submit", ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callagent", Subsystem: "worker", Name: "processed_total",
			Help: "Items processed by outcome", ConstLabels: labels,
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callagent", Subsystem: "worker", Name: "dropped_total",
			Help: "Items rejected because the queue was full", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callagent", Subsystem: "worker", Name: "processing_duration_seconds",
			Help: "Time spent processing one item", ConstLabels: labels,
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	component := "worker_" + name
	if err := registry.RegisterGauge(component, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "submitted", m.submitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(component, "processed", m.processed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(component, "processing_duration", m.processingTime); err != nil {
		return nil, err
	}
	return m, nil
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx abandons queued work.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop refuses new work and waits up to timeout for queued items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
}

func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.run(ctx, work)
		}
	}
}

// run processes one item; a panicking processor counts as a failure and
// leaves the worker alive.
func (p *Pool[T]) run(ctx context.Context, work T) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = fmt.Errorf("processor panic: %v", r)
				p.logger.Error("worker processor panicked", "panic", r)
			}
		}()
		err = p.processor(ctx, work)
	}()

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}
