package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hookline:processed:"

// RedisCache shares processed ids across instances. Expiry is delegated to
// Redis, so Sweep is a no-op. Redis errors are logged and read as a miss.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisCache connects and pings. A failed ping is an error so that a
// misconfigured deployment does not silently run without a shared cache.
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisCache(client, opts.TTL, logger), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Seen(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		c.logger.Warn("idempotency cache read failed", "event_id", key, "error", err)
		return false
	}
	return n > 0
}

func (c *RedisCache) Mark(ctx context.Context, key string) {
	if err := c.client.Set(ctx, redisKeyPrefix+key, 1, c.ttl).Err(); err != nil {
		c.logger.Warn("idempotency cache write failed", "event_id", key, "error", err)
	}
}

func (c *RedisCache) Sweep(context.Context) {}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
