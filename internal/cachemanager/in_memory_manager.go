package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mobilipia/build-tools/internal/log"
)

const (
	DefaultExpiration      = 30 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// Memory is a process-local CacheManager backed by go-cache.
type Memory[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[string, string] = (*Memory[string, string])(nil)

// NewMemory creates a Memory cache. useCase only labels log lines.
func NewMemory[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *Memory[K, V] {
	return &Memory[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get returns the value stored under key. A value of the wrong type counts
// as a miss.
func (m *Memory[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zero V

	raw, found := m.cache.Get(string(key))
	if !found {
		log.Debug(log.CatCache, "cache miss", "cache", m.useCase, "key", string(key))
		return zero, false
	}

	v, ok := raw.(V)
	if !ok {
		log.Error(log.CatCache, "cached value has unexpected type", "cache", m.useCase, "key", string(key))
		return zero, false
	}

	log.Debug(log.CatCache, "cache hit", "cache", m.useCase, "key", string(key))
	return v, true
}

// GetWithRefresh is Get that also restarts the entry's ttl on a hit.
func (m *Memory[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	v, ok := m.Get(ctx, key)
	if ok {
		m.Set(ctx, key, v, ttl)
	}
	return v, ok
}

// Set stores value under key. A zero ttl uses the cache default.
func (m *Memory[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	m.cache.Set(string(key), value, ttl)
}

// Delete removes keys. Unknown keys are ignored.
func (m *Memory[K, V]) Delete(ctx context.Context, keys ...K) error {
	for _, key := range keys {
		m.cache.Delete(string(key))
	}
	return nil
}

// Flush removes every entry.
func (m *Memory[K, V]) Flush(ctx context.Context) error {
	m.cache.Flush()
	log.Debug(log.CatCache, "cache flushed", "cache", m.useCase)
	return nil
}

// Len reports the number of entries, including expired ones not yet cleaned up.
func (m *Memory[K, V]) Len() int {
	return m.cache.ItemCount()
}
