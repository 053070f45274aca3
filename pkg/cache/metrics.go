package cache

import (
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics mirrors Statistics as Prometheus collectors labelled by component.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "callagent",
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache writes"),
		deletes:   counter("deletes_total", "Total number of cache deletes"),
		evictions: counter("evictions_total", "Total number of entries evicted or expired"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "callagent",
			Subsystem:   "cache",
			Name:        "size",
			Help:        "Current number of entries in cache",
			ConstLabels: labels,
		}),
	}

	counters := []struct {
		name string
		c    prometheus.Counter
	}{
		{"cache_hits", m.hits},
		{"cache_misses", m.misses},
		{"cache_sets", m.sets},
		{"cache_deletes", m.deletes},
		{"cache_evictions", m.evictions},
	}
	for _, entry := range counters {
		if err := registry.RegisterCounter(component, entry.name, entry.c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(component, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit()      { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()     { m.misses.Inc() }
func (m *cacheMetrics) recordSet()      { m.sets.Inc() }
func (m *cacheMetrics) recordDelete()   { m.deletes.Inc() }
func (m *cacheMetrics) recordEviction() { m.evictions.Inc() }

func (m *cacheMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}
