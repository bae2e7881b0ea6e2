package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
)

// CacheKey builds the fast-cache key for a symbol's historical close at
// one timeframe, e.g. "hist:IN:RELIANCE.NS:1d".
func CacheKey(m market.Market, symbol string, tf Timeframe) string {
	return fmt.Sprintf("hist:%s:%s:%s", m, symbol, tf)
}

// RedisCache adapts a Redis client to the resolver's Cache interface.
// Values are stored as plain decimal strings.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached close for key, with a miss reported as
// (0, false, nil).
func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached price %s=%q: %w", key, val, err)
	}
	return price, true, nil
}

// Set writes a close with a TTL. Used by the end-of-day ingest to warm
// the cache; the resolver itself never writes.
func (c *RedisCache) Set(ctx context.Context, key string, price float64, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
