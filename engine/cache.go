package engine

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the byte-oriented store used for cross-restart state: last seen
// block, risk counters, mempool dedup marks.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// MemoryCache is the in-process fallback when Redis is not configured.
// Expiry is enforced on read, not by a background sweeper, so a key read
// just past its TTL misses even if the janitor has not run yet.
type MemoryCache struct {
	store *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{store: gocache.New(gocache.NoExpiration, 5*time.Minute)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return val.([]byte), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.store.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	return nil
}
