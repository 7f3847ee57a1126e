package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis(t *testing.T) *RedisCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	c := newRedisCache(client, "test")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	c := unreachableRedis(t)
	assert.Equal(t, "test:norm:BTC-USDT", c.key(Key("norm", "BTC-USDT")))
}

func TestRedisCacheErrorsWrapKey(t *testing.T) {
	c := unreachableRedis(t)
	ctx := context.Background()

	err := c.Set(ctx, "a", 1, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis set a")

	var n int
	err = c.Get(ctx, "a", &n)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheUnlockWithoutTokenIsNoop(t *testing.T) {
	c := unreachableRedis(t)
	ok, err := c.TryLock(context.Background(), "lock:x", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	// nothing was acquired, so nothing is sent to redis
	assert.NoError(t, c.Unlock(context.Background(), "lock:x"))
}
