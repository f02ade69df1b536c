package ledger

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a processed id stays in the cache.
	DefaultCacheTTL = 24 * time.Hour
	// DefaultSweepEvery triggers a sweep each time the memory cache size
	// reaches a multiple of this value.
	DefaultSweepEvery = 1000
)

// Cache remembers recently processed event ids. It is advisory: a miss falls
// through to the Store, and a false negative only costs a lookup.
type Cache interface {
	Seen(ctx context.Context, key string) bool
	Mark(ctx context.Context, key string)
	Sweep(ctx context.Context)
}

// MemoryCache is a per-process Cache. It has no background goroutine; Mark
// sweeps expired entries when the set size crosses a multiple of sweepEvery.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	ttl        time.Duration
	sweepEvery int
	now        func() time.Time
}

func NewMemoryCache(ttl time.Duration, sweepEvery int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepEvery
	}
	return &MemoryCache{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		now:        time.Now,
	}
}

func (c *MemoryCache) Seen(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(at) < c.ttl
}

func (c *MemoryCache) Mark(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.now()
	if len(c.entries)%c.sweepEvery == 0 {
		c.sweepLocked()
	}
}

func (c *MemoryCache) Sweep(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

// Len reports the number of tracked ids, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) sweepLocked() {
	cutoff := c.now().Add(-c.ttl)
	for k, at := range c.entries {
		if !at.After(cutoff) {
			delete(c.entries, k)
		}
	}
}
