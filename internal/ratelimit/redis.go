package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "screensplit:rl:"

// RedisLimiter is a sliding-window log: each admitted request is a member of
// a sorted set scored by its timestamp in microseconds.
type RedisLimiter struct {
	client *redis.Client
	policy Policy
	now    func() time.Time
}

func NewRedis(client *redis.Client, policy Policy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, now: time.Now}
}

func (l *RedisLimiter) Policy() Policy {
	return l.policy
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now()
	redisKey := keyPrefix + l.policy.Name + ":" + key
	windowStart := now.Add(-l.policy.Window).UnixMicro()
	member, err := newMember(now)
	if err != nil {
		return Result{}, err
	}

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, l.policy.Window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", l.policy.Name, err)
	}

	count := int(card.Val())
	resetAt := now.Add(l.policy.Window)
	if zs := oldest.Val(); len(zs) > 0 {
		resetAt = time.UnixMicro(int64(zs[0].Score)).Add(l.policy.Window)
	}

	res := Result{
		Allowed: count <= l.policy.Limit,
		Limit:   l.policy.Limit,
		ResetAt: resetAt,
	}
	if res.Allowed {
		res.Remaining = l.policy.Limit - count
		return res, nil
	}

	// Rejected requests do not consume quota.
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", l.policy.Name, err)
	}
	res.RetryAfter = resetAt.Sub(now)
	if res.RetryAfter < time.Second {
		res.RetryAfter = time.Second
	}
	return res, nil
}

func newMember(now time.Time) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strconv.FormatInt(now.UnixNano(), 10) + "-" + hex.EncodeToString(b), nil
}
