package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tagTTLSlack keeps tag sets alive longer than the entries they index, so a
// late invalidation still finds the membership set.
const tagTTLSlack = time.Hour

// RedisCache is the production Cache adapter. Values are stored with SETEX;
// each tag is a Redis set of member keys under cache_tag:<tag>.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis instance at the given URL
// (redis://[:password@]host:port/db) and verifies it with a ping.
func NewRedis(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.rdb.Close() }

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	for _, tag := range tags {
		tagKey := tagKeyPrefix + tag
		pipe.SAdd(ctx, tagKey, key)
		pipe.Expire(ctx, tagKey, ttl+tagTTLSlack)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	tagKey := tagKeyPrefix + tag
	members, err := c.rdb.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers %s: %w", tagKey, err)
	}

	deleted := 0
	if len(members) > 0 {
		n, err := c.rdb.Del(ctx, members...).Result()
		if err != nil {
			return 0, fmt.Errorf("redis del tagged keys: %w", err)
		}
		deleted = int(n)
	}
	if err := c.rdb.Del(ctx, tagKey).Err(); err != nil {
		return deleted, fmt.Errorf("redis del tag set %s: %w", tagKey, err)
	}
	return deleted, nil
}

func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del pattern keys: %w", err)
	}
	return int(n), nil
}
