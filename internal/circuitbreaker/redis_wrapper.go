package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "session-store"

// RedisWrapper wraps Redis client with circuit breaker. redis.Nil and
// optimistic-lock conflicts are normal outcomes, not breaker failures.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := New("redis", redisService, SettingsFor(KindRedis, redisService), logger,
		WithFailurePredicate(func(err error) bool {
			return !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr)
		}),
	)
	return &RedisWrapper{client: client, cb: track(cb)}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// Get returns the raw value stored at key; redis.Nil when absent
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := rw.cb.Execute(ctx, func() error {
		var err error
		data, err = rw.client.Get(ctx, key).Bytes()
		return err
	})
	return data, err
}

// SetNX stores value only when key does not exist yet
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	var ok bool
	err := rw.cb.Execute(ctx, func() error {
		var err error
		ok, err = rw.client.SetNX(ctx, key, value, expiration).Result()
		return err
	})
	return ok, err
}

// Watch runs an optimistic transaction over keys
func (rw *RedisWrapper) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return rw.cb.Execute(ctx, func() error { return rw.client.Watch(ctx, fn, keys...) })
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := rw.cb.Execute(ctx, func() error {
		var err error
		n, err = rw.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// Scan iterates keys matching pattern without blocking the server like KEYS
func (rw *RedisWrapper) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	return rw.cb.Execute(ctx, func() error {
		iter := rw.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := fn(iter.Val()); err != nil {
				return err
			}
		}
		return iter.Err()
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
