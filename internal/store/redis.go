package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jelmore/jelmore/internal/types"
)

const cacheKeyPrefix = "jelmore:session:"

// RedisCache is the Redis-backed session cache. Entries expire at the session
// timeout; an expired entry simply forces the next read through to the
// durable store.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis using a redis:// URL and verifies the
// connection.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func cacheKey(id types.SessionID) string { return cacheKeyPrefix + string(id) }

// Set stores the serialized session with the given TTL.
func (c *RedisCache) Set(ctx context.Context, id types.SessionID, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKey(id), data, ttl).Err()
}

// Get returns the cached session bytes, or ErrCacheMiss for absent or
// expired keys.
func (c *RedisCache) Get(ctx context.Context, id types.SessionID) ([]byte, error) {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrCacheMiss
	}
	return data, err
}

// Delete evicts the session. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, id types.SessionID) error {
	return c.client.Del(ctx, cacheKey(id)).Err()
}

// Extend resets the key's TTL without rewriting the value. Extending an
// absent key returns ErrCacheMiss.
func (c *RedisCache) Extend(ctx context.Context, id types.SessionID, ttl time.Duration) error {
	ok, err := c.client.Expire(ctx, cacheKey(id), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrCacheMiss
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error { return c.client.Close() }
