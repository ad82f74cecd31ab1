package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
)

const redisKeyPrefix = "casefill:session:"

// RedisBackend stores each session as one JSON value whose key TTL tracks
// the session's remaining lifetime.
type RedisBackend struct {
	client *circuitbreaker.RedisWrapper
	now    func() time.Time
}

// NewRedisBackend creates a backend over a breaker-wrapped client
func NewRedisBackend(client *circuitbreaker.RedisWrapper) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) key(id string) string { return redisKeyPrefix + id }

func (b *RedisBackend) remaining(s *Session) time.Duration {
	return s.ExpiresAt.Sub(b.now())
}

func (b *RedisBackend) Insert(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := b.remaining(s)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", ErrInvalidArgument)
	}
	ok, err := b.client.SetNX(ctx, b.key(s.ID), data, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := b.client.Get(ctx, b.key(sessionID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (b *RedisBackend) Save(ctx context.Context, s *Session, expectedVersion int64) error {
	key := b.key(s.ID)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// Domain outcomes are reported through outcome so they never count
	// as breaker failures.
	var outcome error
	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			outcome = ErrSessionNotFound
			return nil
		}
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if stored.Version != expectedVersion {
			outcome = ErrConcurrentUpdate
			return nil
		}
		ttl := b.remaining(s)
		if ttl <= 0 {
			outcome = ErrSessionNotFound
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return outcome
}

// DeleteExpired removes sessions whose lifetime passed but whose key is
// still present, e.g. after a clock adjustment. Redis expires the rest.
func (b *RedisBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	err := b.client.Scan(ctx, redisKeyPrefix+"*", func(key string) error {
		data, err := b.client.GetClient().Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var s struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(data, &s); err != nil || now.After(s.ExpiresAt) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	n, err := b.client.Del(ctx, expired...)
	return int(n), err
}

func (b *RedisBackend) Ping(ctx context.Context) error { return b.client.Ping(ctx) }
