package cachemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCacheManager struct {
	mock.Mock
}

func (m *mockCacheManager) Get(ctx context.Context, key answerKey) (string, bool) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1)
}

func (m *mockCacheManager) GetWithRefresh(ctx context.Context, key answerKey, ttl time.Duration) (string, bool) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Bool(1)
}

func (m *mockCacheManager) Set(ctx context.Context, key answerKey, value string, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

func (m *mockCacheManager) Delete(ctx context.Context, keys ...answerKey) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *mockCacheManager) Flush(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type prompt struct {
	Field string
}

func echoLoad(ctx context.Context, p prompt) (string, error) {
	return "answer:" + p.Field, nil
}

func TestReadThroughCache_SkipAlwaysLoads(t *testing.T) {
	m := &mockCacheManager{}
	cache := NewReadThroughCache[answerKey, string, prompt](m, echoLoad, true)

	got, err := cache.Get(context.Background(), "k", prompt{Field: "username"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "answer:username", got)

	got, err = cache.GetWithRefresh(context.Background(), "k", prompt{Field: "password"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "answer:password", got)

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	m.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_HitDoesNotLoad(t *testing.T) {
	m := &mockCacheManager{}
	m.On("Get", mock.Anything, answerKey("k")).Return("cached", true)

	cache := NewReadThroughCache[answerKey, string, prompt](m,
		func(ctx context.Context, p prompt) (string, error) {
			return "", errors.New("load must not run on a hit")
		}, false)

	got, err := cache.Get(context.Background(), "k", prompt{}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "cached", got)
	m.AssertExpectations(t)
}

func TestReadThroughCache_MissLoadsAndStores(t *testing.T) {
	m := &mockCacheManager{}
	m.On("Get", mock.Anything, answerKey("k")).Return("", false)
	m.On("Set", mock.Anything, answerKey("k"), "answer:username", time.Minute).Return()

	cache := NewReadThroughCache[answerKey, string, prompt](m, echoLoad, false)

	got, err := cache.Get(context.Background(), "k", prompt{Field: "username"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "answer:username", got)
	m.AssertExpectations(t)
}

func TestReadThroughCache_LoadErrorIsNotStored(t *testing.T) {
	m := &mockCacheManager{}
	m.On("Get", mock.Anything, answerKey("k")).Return("", false)

	cache := NewReadThroughCache[answerKey, string, prompt](m,
		func(ctx context.Context, p prompt) (string, error) {
			return "", errors.New("user went away")
		}, false)

	_, err := cache.Get(context.Background(), "k", prompt{}, time.Minute)
	require.EqualError(t, err, "user went away")
	m.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_GetWithRefreshUsesRefreshLookup(t *testing.T) {
	m := &mockCacheManager{}
	m.On("GetWithRefresh", mock.Anything, answerKey("k"), time.Hour).Return("", false)
	m.On("Set", mock.Anything, answerKey("k"), "answer:password", time.Hour).Return()

	cache := NewReadThroughCache[answerKey, string, prompt](m, echoLoad, false)

	got, err := cache.GetWithRefresh(context.Background(), "k", prompt{Field: "password"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "answer:password", got)
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestReadThroughCache_Forget(t *testing.T) {
	m := &mockCacheManager{}
	m.On("Delete", mock.Anything, []answerKey{"k"}).Return(nil)

	cache := NewReadThroughCache[answerKey, string, prompt](m, echoLoad, false)
	require.NoError(t, cache.Forget(context.Background(), "k"))
	m.AssertExpectations(t)
}

func TestReadThroughCache_ConcurrentMissesLoadOnce(t *testing.T) {
	mem := NewMemory[answerKey, string]("answers", DefaultExpiration, DefaultCleanupInterval)
	var loads atomic.Int32
	cache := NewReadThroughCache[answerKey, string, prompt](mem,
		func(ctx context.Context, p prompt) (string, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			return "secret", nil
		}, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Get(context.Background(), "password", prompt{}, time.Minute)
			if err != nil || v != "secret" {
				t.Errorf("got %q, %v", v, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), loads.Load())
}
