package storage

import (
	"context"
	"errors"
	"fmt"

	"parable-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKVPrefix = "parable:kv:"

// RedisKV хранит записи в Redis под общим префиксом.
type RedisKV struct {
	client *redis.Client
	logger *zap.Logger
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV создает хранилище поверх клиента Redis.
func NewRedisKV(client *redis.Client, logger *zap.Logger) *RedisKV {
	return &RedisKV{
		client: client,
		logger: logger.Named("RedisKV"),
	}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, redisKVPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get key from redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get key %s from redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, redisKVPrefix+key, value, 0).Err(); err != nil {
		r.logger.Error("Failed to set key in redis", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set key %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKVPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s from redis: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisKVPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKVPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys in redis: %w", err)
	}
	return keys, nil
}

// Usage суммирует длины значений всех ключей хранилища через pipeline.
func (r *RedisKV) Usage(ctx context.Context) (int64, error) {
	keys, err := r.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.StrLen(ctx, redisKVPrefix+k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to compute redis usage: %w", err)
	}
	var total int64
	for i, cmd := range cmds {
		total += int64(len(keys[i])) + cmd.Val()
	}
	return total, nil
}
