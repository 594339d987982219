package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "grants-indexer:metadata:"

// RedisCache keeps documents in redis. A zero TTL keeps them forever.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and pings the server.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisCache(client, ttl), nil
}

func (c *RedisCache) Get(ctx context.Context, cid string) ([]byte, bool, error) {
	doc, err := c.client.Get(ctx, redisKeyPrefix+cid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, cid string, doc []byte) error {
	return c.client.Set(ctx, redisKeyPrefix+cid, doc, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
