// Package location keeps the latest known position of every vehicle.
//
// The cache is not a history: each vehicle id maps to its most recent fix,
// and a fix older than the stored one is ignored so late deliveries cannot
// move a vehicle backwards. Batches are applied under one lock; readers see
// all of a batch or none of it.
package location

import (
	"fmt"
	"math"
	"sort"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/cache"
	"github.com/idompolo/call-agent-sub001/pkg/timestamp"
)

// Location is one vehicle fix. ObservedAt is Unix milliseconds.
type Location struct {
	VehicleID  string  `json:"id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	ObservedAt int64   `json:"observedAt"`
}

func (l Location) validate() error {
	switch {
	case l.VehicleID == "":
		return fmt.Errorf("vehicle id is empty")
	case math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90:
		return fmt.Errorf("vehicle %s: latitude %v out of range", l.VehicleID, l.Lat)
	case math.IsNaN(l.Lng) || l.Lng < -180 || l.Lng > 180:
		return fmt.Errorf("vehicle %s: longitude %v out of range", l.VehicleID, l.Lng)
	}
	return nil
}

// Cache is the process-wide vehicle position store.
type Cache struct {
	store cache.Cache[Location]
	now   func() int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	registry *metric.MetricsRegistry
	now      func() int64
}

// WithMetrics exports hit, set and size metrics under the "location"
// component label.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithClock replaces the time source used for fixes without a timestamp.
func WithClock(now func() int64) Option {
	return func(o *options) { o.now = now }
}

func New(opts ...Option) (*Cache, error) {
	o := options{now: timestamp.Now}
	for _, opt := range opts {
		opt(&o)
	}
	store, err := cache.NewSimple[Location](cache.WithMetrics[Location](o.registry, "location"))
	if err != nil {
		return nil, errors.Wrap(err, "location.Cache", "New", "create store")
	}
	return &Cache{store: store, now: o.now}, nil
}

// newer keeps the stored fix when the incoming one is older.
func newer(_ string, current Location, exists bool, next Location) bool {
	return !exists || next.ObservedAt >= current.ObservedAt
}

// UpsertOne records a fix observed now.
func (c *Cache) UpsertOne(id string, lat, lng float64) (bool, error) {
	return c.Upsert(Location{VehicleID: id, Lat: lat, Lng: lng})
}

// Upsert records loc unless a newer fix is already stored. A zero
// ObservedAt means now. Reports whether loc was written.
func (c *Cache) Upsert(loc Location) (bool, error) {
	n, err := c.UpsertBatch([]Location{loc})
	return n == 1, err
}

// UpsertBatch applies every fix in one atomic step and returns how many
// were written. A batch containing an invalid fix is rejected whole. When
// a vehicle appears more than once the newest fix, or the later one on a
// tie, is the one considered.
func (c *Cache) UpsertBatch(batch []Location) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	now := c.now()
	entries := make(map[string]Location, len(batch))
	for i, loc := range batch {
		if err := loc.validate(); err != nil {
			return 0, errors.WrapInvalid(err, "location.Cache", "UpsertBatch",
				fmt.Sprintf("entry %d of %d", i, len(batch)))
		}
		if loc.ObservedAt == 0 {
			loc.ObservedAt = now
		}
		if prev, ok := entries[loc.VehicleID]; ok && prev.ObservedAt > loc.ObservedAt {
			continue
		}
		entries[loc.VehicleID] = loc
	}
	return c.store.SetBatch(entries, newer)
}

func (c *Cache) Get(id string) (Location, bool) {
	return c.store.Get(id)
}

// All returns every known fix ordered by vehicle id.
func (c *Cache) All() []Location {
	snap := c.store.Snapshot()
	out := make([]Location, 0, len(snap))
	for _, loc := range snap {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (c *Cache) Len() int {
	return c.store.Size()
}

// Remove forgets one vehicle.
func (c *Cache) Remove(id string) bool {
	_, ok := c.store.Take(id)
	return ok
}

// Clear forgets every vehicle.
func (c *Cache) Clear() error {
	return c.store.Clear()
}

func (c *Cache) Stats() *cache.Statistics {
	return c.store.Stats()
}

func (c *Cache) Close() error {
	return c.store.Close()
}
