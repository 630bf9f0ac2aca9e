package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	s.Set(ctx, "matrix:abc", []float64{1, 0.5}, time.Minute, NamespaceCorrelation)

	v, ok := s.Get(ctx, "matrix:abc", NamespaceCorrelation)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 0.5}, v)

	// Same key in a different namespace is a miss.
	_, ok = s.Get(ctx, "matrix:abc", NamespaceFactor)
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	s := NewStore(100, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	}))
	ctx := context.Background()

	s.Set(ctx, "k", "v", time.Minute, NamespaceProp)

	_, ok := s.Get(ctx, "k", NamespaceProp)
	assert.True(t, ok)

	mu.Lock()
	later := now.Add(2 * time.Minute)
	clock = &later
	mu.Unlock()

	_, ok = s.Get(ctx, "k", NamespaceProp)
	assert.False(t, ok, "expired entry should be removed on access")

	stats := s.Stats(NamespaceProp)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLRUEviction(t *testing.T) {
	now := time.Now()
	current := now
	var mu sync.Mutex
	s := NewStore(10, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Set(ctx, fmt.Sprintf("k%d", i), i, time.Hour, NamespaceEdge)
	}
	// Touch k0 so it is the most recently used.
	_, ok := s.Get(ctx, "k0", NamespaceEdge)
	require.True(t, ok)

	// Trigger eviction.
	s.Set(ctx, "overflow", "x", time.Hour, NamespaceEdge)

	assert.LessOrEqual(t, s.Len(), 10)
	_, ok = s.Get(ctx, "k0", NamespaceEdge)
	assert.True(t, ok, "recently accessed entry should survive eviction")
	_, ok = s.Get(ctx, "k1", NamespaceEdge)
	assert.False(t, ok, "oldest entry should be evicted")

	stats := s.Stats(NamespaceEdge)
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestInvalidateGlob(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	s.Set(ctx, "matrix:nba:abc", 1, time.Hour, NamespaceCorrelation)
	s.Set(ctx, "matrix:nba:def", 2, time.Hour, NamespaceCorrelation)
	s.Set(ctx, "matrix:nfl:abc", 3, time.Hour, NamespaceCorrelation)
	s.Set(ctx, "matrix:nba:abc", 4, time.Hour, NamespaceFactor)

	removed := s.Invalidate(ctx, "matrix:nba:*", NamespaceCorrelation)
	assert.Equal(t, 2, removed)

	_, ok := s.Get(ctx, "matrix:nfl:abc", NamespaceCorrelation)
	assert.True(t, ok)
	_, ok = s.Get(ctx, "matrix:nba:abc", NamespaceFactor)
	assert.True(t, ok, "other namespaces untouched when one is named")

	// Single-character wildcard.
	s.Set(ctx, "run:1", "a", time.Hour, NamespaceMonteCarlo)
	s.Set(ctx, "run:2", "b", time.Hour, NamespaceMonteCarlo)
	s.Set(ctx, "run:10", "c", time.Hour, NamespaceMonteCarlo)
	removed = s.Invalidate(ctx, "run:?", NamespaceMonteCarlo)
	assert.Equal(t, 2, removed)

	// No namespace: all namespaces scanned.
	removed = s.Invalidate(ctx, "*")
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, s.Len())
}

func TestGetOrSet_FactoryRunsOnce(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	var calls int32
	factory := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.GetOrSet(ctx, "expensive", time.Minute, NamespaceCorrelation, factory)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "factory should run at most once")
	for _, v := range results {
		assert.Equal(t, "computed", v)
	}

	// Subsequent call hits the cache.
	v, err := s.GetOrSet(ctx, "expensive", time.Minute, NamespaceCorrelation, factory)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrSet_FactoryError(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	wantErr := errors.New("upstream unavailable")
	_, err := s.GetOrSet(ctx, "bad", time.Minute, NamespaceFactor, func(context.Context) (interface{}, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// Errors are not cached.
	v, err := s.GetOrSet(ctx, "bad", time.Minute, NamespaceFactor, func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestClearNamespace(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	s.Set(ctx, "a", 1, time.Hour, NamespaceCopula)
	s.Set(ctx, "b", 2, time.Hour, NamespaceCopula)
	s.Set(ctx, "c", 3, time.Hour, NamespaceEdge)

	n := s.ClearNamespace(ctx, NamespaceCopula)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len())

	s.ClearAll(ctx)
	assert.Equal(t, 0, s.Len())
}

func TestWarmAndStats(t *testing.T) {
	s := NewStore(100)
	ctx := context.Background()

	s.Warm(ctx, []WarmEntry{
		{Key: "p1", Value: "v1", TTL: time.Hour},
		{Key: "p2", Value: "v2", TTL: time.Hour},
	}, NamespaceProp)

	stats := s.Stats(NamespaceProp)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.MemoryUsageBytes, int64(0))

	s.Get(ctx, "p1", NamespaceProp)
	s.Get(ctx, "missing", NamespaceProp)
	stats = s.Stats(NamespaceProp)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	all := s.AllStats()
	assert.Len(t, all, len(Namespaces()))
}
