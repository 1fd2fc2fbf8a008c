package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

// RedisStore implements Store over a Redis client. Redis enforces expiry
// server-side, so a TTL'd key simply stops existing once it lapses.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a value, translating redis.Nil into ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Set stores a value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetMany retrieves all keys in one MGET. Absent keys are simply missing
// from the result map.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget: %w", err)
	}

	result := make(map[string][]byte, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		if str, ok := value.(string); ok {
			result[keys[i]] = []byte(str)
		}
	}
	return result, nil
}

// SetMany writes all items through one pipeline, preserving each item's own
// (already jittered) TTL.
func (s *RedisStore) SetMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, item := range items {
		pipe.Set(ctx, item.Key, item.Value, item.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute set pipeline: %w", err)
	}
	return nil
}

// Remove deletes keys in one DEL. Deleting absent keys is a no-op.
func (s *RedisStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// RemoveByPattern deletes every key matching the glob pattern, scanning in
// batches so large keyspaces never block Redis the way KEYS would.
func (s *RedisStore) RemoveByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan pattern %s: %w", pattern, err)
		}

		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete pattern batch: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
