package cache

import "sync/atomic"

// Statistics counts cache operations. All methods are safe for concurrent
// use; Snapshot reads the counters one at a time, so a snapshot taken under
// load may mix values from neighbouring operations.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
	peak      atomic.Int64
}

func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) Hit()      { s.hits.Add(1) }
func (s *Statistics) Miss()     { s.misses.Add(1) }
func (s *Statistics) Set()      { s.sets.Add(1) }
func (s *Statistics) Delete()   { s.deletes.Add(1) }
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current entry count and raises the peak if needed.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.peak.Load()
		if size <= peak || s.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}

func (s *Statistics) Hits() int64        { return s.hits.Load() }
func (s *Statistics) Misses() int64      { return s.misses.Load() }
func (s *Statistics) Sets() int64        { return s.sets.Load() }
func (s *Statistics) Deletes() int64     { return s.deletes.Load() }
func (s *Statistics) Evictions() int64   { return s.evictions.Load() }
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize is the largest entry count seen since creation or Reset.
func (s *Statistics) MaxSize() int64 { return s.peak.Load() }

// HitRatio is hits over lookups, zero before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (s *Statistics) Reset() {
	for _, c := range []*atomic.Int64{&s.hits, &s.misses, &s.sets, &s.deletes, &s.evictions, &s.size, &s.peak} {
		c.Store(0)
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	Evictions   int64   `json:"evictions"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	HitRatio    float64 `json:"hit_ratio"`
}

func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:        s.Hits(),
		Misses:      s.Misses(),
		Sets:        s.Sets(),
		Deletes:     s.Deletes(),
		Evictions:   s.Evictions(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		HitRatio:    s.HitRatio(),
	}
}
