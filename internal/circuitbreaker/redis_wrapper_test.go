package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWrapper(client, zaptest.NewLogger(t)), s
}

func TestRedisWrapper_NormalOperations(t *testing.T) {
	wrapper, s := newTestRedisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx))

	ok, err := wrapper.SetNX(ctx, "casefill:session:a", `{"v":1}`, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = wrapper.SetNX(ctx, "casefill:session:a", `{"v":2}`, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must not overwrite")

	data, err := wrapper.Get(ctx, "casefill:session:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
	assert.Equal(t, time.Minute, s.TTL("casefill:session:a"))

	_, err = wrapper.Get(ctx, "casefill:session:missing")
	assert.ErrorIs(t, err, redis.Nil)
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	var keys []string
	require.NoError(t, wrapper.Scan(ctx, "casefill:session:*", func(k string) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"casefill:session:a"}, keys)

	n, err := wrapper.Del(ctx, "casefill:session:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisWrapper_WatchConflictIsBenign(t *testing.T) {
	t.Setenv("CB_REDIS_FAILURE_THRESHOLD", "1")
	wrapper, s := newTestRedisWrapper(t)
	ctx := context.Background()
	s.Set("k", "1")

	err := wrapper.Watch(ctx, func(tx *redis.Tx) error {
		// A concurrent writer touches the watched key before EXEC.
		require.NoError(t, wrapper.GetClient().Set(ctx, "k", "2", 0).Err())
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", "3", 0)
			return nil
		})
		return err
	}, "k")
	assert.ErrorIs(t, err, redis.TxFailedErr)
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestRedisWrapper_OpensWhenServerDown(t *testing.T) {
	t.Setenv("CB_REDIS_FAILURE_THRESHOLD", "2")
	wrapper, s := newTestRedisWrapper(t)
	ctx := context.Background()
	s.Close()

	for i := 0; i < 2; i++ {
		assert.Error(t, wrapper.Ping(ctx))
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())
	assert.ErrorIs(t, wrapper.Ping(ctx), ErrOpen)
}
