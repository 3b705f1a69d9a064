package catalog

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache stores raw catalog response bodies keyed by request path.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, body []byte, ttl time.Duration)
}

// RedisResponseCache caches catalog responses in Redis with TTL. Cache
// failures are treated as misses so a degraded Redis never blocks reads.
type RedisResponseCache struct {
	client *redis.Client
}

// NewRedisResponseCache builds a Redis-backed response cache.
func NewRedisResponseCache(addr, password string) *RedisResponseCache {
	return &RedisResponseCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Get returns a cached body when present.
func (c *RedisResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return body, true
}

// Set stores a body with TTL.
func (c *RedisResponseCache) Set(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = c.client.Set(ctx, cacheKey(key), body, ttl).Err()
}

func cacheKey(key string) string {
	return "anitrack:catalog:" + key
}
