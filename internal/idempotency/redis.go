package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "refundops:idem:"

// RedisStore keeps records as JSON strings with a native Redis TTL, so
// expired records disappear on their own and DeleteExpired has nothing to do.
// An expired key therefore classifies as New rather than Expired.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, ttlUntil(rec.ExpiresAt, now)).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.Key, data, ttlUntil(rec.ExpiresAt, time.Now())).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// ttlUntil never returns zero: a zero expiration would make the key persistent.
func ttlUntil(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
