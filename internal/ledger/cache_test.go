package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheSeenAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(time.Hour, 100)
	c.now = clock.Now
	ctx := context.Background()

	assert.False(t, c.Seen(ctx, "a"))
	c.Mark(ctx, "a")
	assert.True(t, c.Seen(ctx, "a"))

	clock.Advance(time.Hour)
	assert.False(t, c.Seen(ctx, "a"), "entries expire at the ttl")
	assert.Equal(t, 1, c.Len(), "expiry alone does not evict")

	c.Sweep(ctx)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheSweepsOnModulo(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(time.Minute, 4)
	c.now = clock.Now
	ctx := context.Background()

	c.Mark(ctx, "old-1")
	c.Mark(ctx, "old-2")
	clock.Advance(2 * time.Minute)
	c.Mark(ctx, "new-1")
	assert.Equal(t, 3, c.Len())

	// Fourth entry hits the threshold and evicts the two expired ones.
	c.Mark(ctx, "new-2")
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Seen(ctx, "new-1"))
	assert.False(t, c.Seen(ctx, "old-1"))
}

func TestMemoryCacheDefaults(t *testing.T) {
	c := NewMemoryCache(0, 0)
	assert.Equal(t, DefaultCacheTTL, c.ttl)
	assert.Equal(t, DefaultSweepEvery, c.sweepEvery)
}

func TestMemoryCacheConcurrentUse(t *testing.T) {
	c := NewMemoryCache(time.Hour, 16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", worker, j)
				c.Mark(ctx, key)
				_ = c.Seen(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 800, c.Len())
}
