package cachemanager

import (
	"context"
	"sync"
	"time"
)

// LoadFunc produces the value for a cache miss.
type LoadFunc[V any, I any] func(ctx context.Context, input I) (V, error)

// ReadThroughCache fills a CacheManager from a LoadFunc on miss. Loads are
// serialized, so concurrent misses on one key load it once.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache CacheManager[K, V]
	load  LoadFunc[V, I]
	skip  bool

	mu sync.Mutex
}

// NewReadThroughCache wraps cache. When skip is true every Get calls load and
// nothing is stored.
func NewReadThroughCache[K comparable, V any, I any](cache CacheManager[K, V], load LoadFunc[V, I], skip bool) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, load: load, skip: skip}
}

// Get returns the cached value for key, loading it from input on a miss.
// Load errors are returned as-is and nothing is stored.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	return r.get(ctx, key, input, ttl, false)
}

// GetWithRefresh is Get that restarts the ttl of a cached value.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	return r.get(ctx, key, input, ttl, true)
}

// Forget drops the cached value for key so the next Get loads it again.
func (r *ReadThroughCache[K, V, I]) Forget(ctx context.Context, key K) error {
	return r.cache.Delete(ctx, key)
}

func (r *ReadThroughCache[K, V, I]) get(ctx context.Context, key K, input I, ttl time.Duration, refresh bool) (V, error) {
	if r.skip {
		return r.load(ctx, input)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lookup := r.cache.Get
	if refresh {
		lookup = func(ctx context.Context, key K) (V, bool) { return r.cache.GetWithRefresh(ctx, key, ttl) }
	}
	if v, ok := lookup(ctx, key); ok {
		return v, nil
	}

	v, err := r.load(ctx, input)
	if err != nil {
		return v, err
	}
	r.cache.Set(ctx, key, v, ttl)
	return v, nil
}
