// Package cachemanager holds short-lived values, such as answers a user gave
// to task questions, keyed by a caller-chosen string type.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager stores values for a bounded time.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
