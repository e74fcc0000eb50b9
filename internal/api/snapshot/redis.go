package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// maxUpdateRetries bounds optimistic retries when another writer touches the key.
const maxUpdateRetries = 5

// RedisStore keeps snapshots in redis so every API replica sees the same session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore stores values with ttl; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("snapshot %s: get: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("snapshot %s: decode: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("snapshot %s: encode: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot %s: set: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("snapshot delete: %w", err)
	}
	return nil
}

// Update runs apply inside WATCH/MULTI and retries when the key changed
// between the read and the write.
func (s *RedisStore) Update(ctx context.Context, key string, dst any, apply func(found bool) bool) error {
	txf := func(tx *redis.Tx) error {
		zero(dst)
		raw, err := tx.Get(ctx, key).Bytes()
		found := true
		switch {
		case errors.Is(err, redis.Nil):
			found = false
		case err != nil:
			return fmt.Errorf("snapshot %s: get: %w", key, err)
		default:
			if err := json.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("snapshot %s: decode: %w", key, err)
			}
		}
		if !apply(found) {
			return nil
		}
		encoded, err := json.Marshal(dst)
		if err != nil {
			return fmt.Errorf("snapshot %s: encode: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("snapshot %s: update: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("snapshot %s: update: %w", key, redis.TxFailedErr)
}
