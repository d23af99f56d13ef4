package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "notifier:ratelimit:"

var errMissingRedisClient = errors.New("rate limiter: redis client is required")

// RedisRateLimiterConfig configures the sorted-set limiter.
type RedisRateLimiterConfig struct {
	Client    redis.UniversalClient
	Max       int
	Window    time.Duration
	KeyPrefix string
	Clock     func() time.Time
}

// RedisRateLimiter keeps one sorted set per key scored by request time in milliseconds.
type RedisRateLimiter struct {
	client redis.UniversalClient
	max    int
	window time.Duration
	prefix string
	clock  func() time.Time
}

// NewRedisRateLimiter constructs a Redis-backed RateLimiter.
func NewRedisRateLimiter(cfg RedisRateLimiterConfig) (*RedisRateLimiter, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	limiter := &RedisRateLimiter{
		client: cfg.Client,
		max:    cfg.Max,
		window: cfg.Window,
		prefix: cfg.KeyPrefix,
		clock:  cfg.Clock,
	}
	if limiter.max <= 0 {
		limiter.max = DefaultRateLimitMax
	}
	if limiter.window <= 0 {
		limiter.window = DefaultRateLimitWindow
	}
	if limiter.prefix == "" {
		limiter.prefix = defaultRedisKeyPrefix
	}
	if limiter.clock == nil {
		limiter.clock = time.Now
	}
	return limiter, nil
}

// Allow trims the set to the window, counts it and records the request when under max.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock()
	setKey := l.prefix + key
	windowStart := now.Add(-l.window).UnixMilli()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(windowStart, 10))
		card = pipe.ZCard(ctx, setKey)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter: trim window: %w", err)
	}

	count := int(card.Val())
	if count >= l.max {
		oldest, err := l.client.ZRangeWithScores(ctx, setKey, 0, 0).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("rate limiter: read oldest: %w", err)
		}
		wait := l.window
		if len(oldest) == 1 {
			freeAt := time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
			wait = retryAfter(freeAt, now)
		}
		return Decision{Allowed: false, RetryAfter: wait}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		pipe.Expire(ctx, setKey, l.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter: record request: %w", err)
	}
	return Decision{Allowed: true, Remaining: l.max - count - 1}, nil
}
