package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/idompolo/call-agent-sub001/errors"
)

// NewSimple creates a cache with no eviction policy.
func NewSimple[V any](options ...Option[V]) (Cache[V], error) {
	return newSimpleCache[V](applyOptions(options...))
}

// NewLRU creates a cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			fmt.Sprintf("max size must be positive, got %d", maxSize))
	}
	return newLRUCache[V](maxSize, applyOptions(options...))
}

// NewTTL creates a cache whose entries expire ttl after their last write.
// The sweep runs every cleanupInterval until ctx ends or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 || cleanupInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("ttl and cleanup interval must be positive, got %v and %v", ttl, cleanupInterval))
	}
	return newTTLCache[V](ctx, ttl, cleanupInterval, applyOptions(options...))
}
