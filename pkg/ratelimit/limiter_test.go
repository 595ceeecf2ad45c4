package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *RedisLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLimiter(client)
}

func TestRedisLimiter_AllowsUnderLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "sub-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d should be allowed", i)
	}
}

func TestRedisLimiter_BlocksOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, "sub-2", 3, time.Minute)
		require.NoError(t, err)
	}
	ok, err := l.Allow(ctx, "sub-2", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_ZeroLimitAlwaysAllows(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, "sub-3", 0, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisLimiter_SeparateKeysDoNotInterfere(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Allow(ctx, "sub-a", 1, time.Minute)
	require.NoError(t, err)
	ok, err := l.Allow(ctx, "sub-b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
