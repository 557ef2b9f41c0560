package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/screensplit/server/internal/metrics"
)

const (
	valuePrefix = "screensplit:cache:"
	tagPrefix   = "screensplit:tag:"
)

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Redis stores msgpack-encoded values. Each tag is a set of value keys; tag
// sets live slightly longer than the longest value written under them.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, valuePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(data, dst); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}

	valueKey := valuePrefix + key
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, valueKey, data, ttl)
		for _, tag := range tags {
			tagKey := tagPrefix + tag
			pipe.SAdd(ctx, tagKey, valueKey)
			pipe.Expire(ctx, tagKey, ttl+time.Minute)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Redis) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		tagKey := tagPrefix + tag
		members, err := c.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			return fmt.Errorf("cache tag %s: %w", tag, err)
		}
		keys := append(members, tagKey)
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache invalidate %s: %w", tag, err)
		}
	}
	return nil
}
