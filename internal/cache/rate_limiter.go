package cache

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

const rateLimitWindow = time.Minute

// RateLimiter counts requests per key in fixed one-minute windows.
type RateLimiter struct {
	client *redisv9.Client
	limit  int
	now    func() time.Time
}

func NewRateLimiter(client *redisv9.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{client: client, limit: perMinute, now: time.Now}
}

func (l *RateLimiter) Limit() int {
	return l.limit
}

// Allow records one request for key. When the window is exhausted it returns
// false and the time left until the next window opens.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	windowStart := now.Truncate(rateLimitWindow)
	redisKey := fmt.Sprintf("promptly:ratelimit:%s:%d", key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rateLimitWindow+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit failed: %w", err)
	}

	if incr.Val() > int64(l.limit) {
		return false, windowStart.Add(rateLimitWindow).Sub(now), nil
	}
	return true, 0, nil
}
