package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is the persistent Store backend, grounded on the teacher's
// BudgetCache (internal/services/redis/budget_cache.go): namespaced keys,
// SetEx/Get/Del, pipelined bulk delete. Every method returns its error to
// the caller (Clear also logs a failed key listing); the components that
// hold a Store log those errors and degrade to memory-only (spec §4.1).
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisStore wraps an existing *redis.Client. prefix namespaces every key
// this store touches (useful when a Redis instance is shared across
// applications); pass "" for no extra prefix.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)
var _ Closer = (*RedisStore)(nil)

func (s *RedisStore) redisKey(namespace, key string) string {
	if s.prefix == "" {
		return fmt.Sprintf("tokenshield:%s:%s", namespace, key)
	}
	return fmt.Sprintf("%s:tokenshield:%s:%s", s.prefix, namespace, key)
}

func (s *RedisStore) indexKey(namespace string) string {
	return s.redisKey(namespace, "__keys__")
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: redis get failed: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.redisKey(namespace, key), value, ttl)
	pipe.SAdd(ctx, s.indexKey(namespace), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, namespace, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.redisKey(namespace, key))
	pipe.SRem(ctx, s.indexKey(namespace), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis del failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(namespace)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("kvstore: redis keys failed: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) Clear(ctx context.Context, namespace string) error {
	keys, err := s.Keys(ctx, namespace)
	if err != nil {
		s.logger.Warn("kvstore: clear could not list keys, index may be stale", zap.String("namespace", namespace), zap.Error(err))
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.redisKey(namespace, k))
	}
	pipe.Del(ctx, s.indexKey(namespace))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis clear failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
