// Package cache provides generic, thread-safe keyed stores with pluggable
// eviction.
//
// Three policies are available:
//   - Simple keeps entries until they are deleted or cleared.
//   - LRU bounds the entry count and drops the least recently used entry.
//   - TTL expires entries a fixed duration after their last write.
//
// Every cache tracks hit, miss, write, delete and eviction counts in a
// Statistics value. WithMetrics additionally exports them to Prometheus
// through a metric.MetricsRegistry.
//
// SetBatch writes a group of entries under one lock. Readers calling Get or
// Snapshot concurrently see either the state before the batch or the state
// after it, never a mix. An AcceptFunc can veto individual entries, which is
// how callers keep the newer of two values:
//
//	newer := func(_ string, cur Fix, ok bool, next Fix) bool {
//		return !ok || next.ObservedAt >= cur.ObservedAt
//	}
//	written, err := c.SetBatch(fixes, newer)
package cache
