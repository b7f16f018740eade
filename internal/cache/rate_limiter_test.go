package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute int, now *time.Time) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, perMinute)
	l.now = func() time.Time { return *now }
	return l
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 15, 0, time.UTC)
	l := newTestLimiter(t, 3, &now)

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "user:7")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, retryAfter, err := l.Allow(ctx, "user:7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 45*time.Second, retryAfter)

	ok, _, err = l.Allow(ctx, "user:8")
	require.NoError(t, err)
	assert.True(t, ok, "other callers have their own window")

	now = now.Add(45 * time.Second)
	ok, _, err = l.Allow(ctx, "user:7")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts at the minute")
}

func TestRateLimiterDefault(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(t, 0, &now)
	assert.Equal(t, 60, l.Limit())
}

func TestRateLimiterRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, _, err := NewRateLimiter(client, 5).Allow(context.Background(), "ip:127.0.0.1")
	assert.Error(t, err)
}
