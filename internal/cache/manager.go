// Package cache implements the layered cache manager and its backing stores.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
)

// Manager provides get-or-populate and pattern invalidation over a backing
// key-value store. Concurrent misses for the same key may each run the
// compute function; callers supply cheap, idempotent computations.
type Manager struct {
	store  collection.CacheStore
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store collection.CacheStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger}
}

// GetOrSet returns the cached value for key, or computes, stores and returns
// it. The value round-trips through JSON; dest must be a pointer.
// A failed backing-store read degrades to computing fresh, never to an error:
// the cache is an optimization, not a source of truth.
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, compute func(ctx context.Context) (any, error)) error {
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if found && err == nil {
		if err := json.Unmarshal(raw, dest); err == nil {
			metrics.ObserveCacheOp("get_or_set", "hit")
			return nil
		}
		// Corrupt entry; fall through and recompute.
		m.logger.Warn("cache entry undecodable", zap.String("key", key))
	}
	metrics.ObserveCacheOp("get_or_set", "miss")

	value, err := compute(ctx)
	if err != nil {
		return fmt.Errorf("compute %q: %w", key, err)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := m.store.Set(ctx, key, encoded, ttl); err != nil {
		m.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	if err := json.Unmarshal(encoded, dest); err != nil {
		return fmt.Errorf("decode computed %q: %w", key, err)
	}
	return nil
}

// Get reads a cached value into dest, reporting whether it was present.
func (m *Manager) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Set stores a value under key with the given TTL.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := m.store.Set(ctx, key, encoded, ttl); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// InvalidatePattern deletes every key matching the glob pattern and returns
// the count. Write paths call this immediately after commit so
// correctness-sensitive reads never depend on TTL expiry alone.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	n, err := m.store.DeletePattern(ctx, pattern)
	if err != nil {
		metrics.ObserveCacheOp("invalidate", "error")
		return 0, fmt.Errorf("invalidate %q: %w", pattern, err)
	}
	metrics.ObserveCacheOp("invalidate", "ok")
	m.logger.Debug("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("count", n),
	)
	return n, nil
}
