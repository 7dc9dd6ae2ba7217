package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	m := newMemoryLimiter(rate, burst, clock)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiter_AllowsWithinBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}

	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiter_RefillsOverTime(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 2) // one token every 100ms
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(100 * time.Millisecond)

	ok, err = m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok, "one token refilled after 100ms")

	ok, err = m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "only one token was refilled")
}

func TestMemoryLimiter_TokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 1000, 3)
	ctx := context.Background()

	_, err := m.Allow(ctx, "k1")
	require.NoError(t, err)

	// Long idle refills far more than the capacity would hold.
	clock.Advance(time.Hour)

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d after idle", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "capped at burst despite long idle")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	ok, err := m.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Allow(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok, "key b has its own bucket")
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 100, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// The fake clock never advances, so exactly the burst is allowed.
	assert.Equal(t, 50, allowed)
}

func TestMemoryLimiter_EvictsStaleBuckets(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, err := m.Allow(ctx, "stale")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	_, err = m.Allow(ctx, "recent")
	require.NoError(t, err)

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	assert.False(t, staleExists, "stale bucket evicted")
	assert.True(t, recentExists, "recent bucket kept")
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter_AlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
