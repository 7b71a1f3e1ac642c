package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"parable-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisEntryPrefix = "gencache:entry:"
	redisIndexPrefix = "gencache:idx:" // ZSET по типу медиа, score = время создания (мс)
)

// RedisStore хранит записи кеша в Redis: HASH на запись и ZSET-индекс
// по типу медиа, упорядоченный по времени создания.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore создает Redis-хранилище кеша.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.Named("RedisCacheStore"),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	fields, err := s.client.HGetAll(ctx, redisEntryPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	variant, _ := strconv.Atoi(fields["variant"])
	createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		s.logger.Warn("Corrupted cache entry timestamp", zap.String("key", key), zap.Error(err))
		return nil, models.ErrNotFound
	}
	return &models.CacheEntry{
		Key:       key,
		Kind:      models.MediaKind(fields["kind"]),
		Model:     fields["model"],
		Variant:   variant,
		Prompt:    fields["prompt"],
		Payload:   []byte(fields["payload"]),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, entry models.CacheEntry) error {
	createdMs := entry.CreatedAt.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisEntryPrefix+entry.Key,
		"kind", string(entry.Kind),
		"model", entry.Model,
		"variant", entry.Variant,
		"prompt", entry.Prompt,
		"payload", entry.Payload,
		"created_at", createdMs,
	)
	pipe.ZAdd(ctx, redisIndexPrefix+string(entry.Kind), redis.Z{Score: float64(createdMs), Member: entry.Key})

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to store cache entry in redis", zap.String("key", entry.Key), zap.Error(err))
		return fmt.Errorf("failed to store cache entry in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) ListMeta(ctx context.Context, kind models.MediaKind) ([]models.CacheEntryMeta, error) {
	members, err := s.client.ZRangeWithScores(ctx, redisIndexPrefix+string(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache index from redis: %w", err)
	}
	metas := make([]models.CacheEntryMeta, 0, len(members))
	for _, z := range members {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		metas = append(metas, models.CacheEntryMeta{
			Key:       key,
			CreatedAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return metas, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, redisEntryPrefix+key)
		if kind, ok := KindFromKey(key); ok {
			pipe.ZRem(ctx, redisIndexPrefix+string(kind), key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to delete cache entries from redis", zap.Int("count", len(keys)), zap.Error(err))
		return fmt.Errorf("failed to delete cache entries from redis: %w", err)
	}
	return nil
}
