package health

import (
	"sort"
	"sync"
	"time"

	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/transport"
)

// Monitor holds the latest Status per component.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	metrics  *metric.Metrics
}

// NewMonitor creates a monitor. metrics may be nil.
func NewMonitor(metrics *metric.Metrics) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		metrics:  metrics,
	}
}

// Update stores status under name, overriding status.Component.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	m.metrics.RecordHealth(name, status.Level())
}

func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// TrackTransport mirrors tr's connection state into the entry called name
// until the returned detach is called.
func (m *Monitor) TrackTransport(name string, tr transport.Transport) (detach func()) {
	m.Update(name, FromTransportState(name, tr.State(), nil))
	return tr.OnConnectionChange(func(s transport.State) {
		m.Update(name, FromTransportState(name, s, nil))
	})
}

func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth rolls every component up under systemName. Children are
// ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}
