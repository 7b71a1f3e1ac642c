package cache

import (
	"context"
	"errors"
	"fmt"

	"parable-server/internal/database"
	"parable-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	getCacheEntryQuery    = `SELECT key, kind, model, variant, prompt, payload, created_at FROM generation_cache WHERE key = $1`
	upsertCacheEntryQuery = `
        INSERT INTO generation_cache (key, kind, model, variant, prompt, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (key) DO UPDATE SET
            payload = EXCLUDED.payload,
            prompt = EXCLUDED.prompt,
            created_at = EXCLUDED.created_at
    `
	listCacheMetaQuery      = `SELECT key, created_at FROM generation_cache WHERE kind = $1 ORDER BY created_at ASC, key ASC`
	deleteCacheEntriesQuery = `DELETE FROM generation_cache WHERE key = ANY($1)`
)

// PostgresStore хранит записи кеша в таблице generation_cache.
type PostgresStore struct {
	db     database.DBTX
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создает Postgres-хранилище кеша.
func NewPostgresStore(db database.DBTX, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.Named("PgCacheStore"),
	}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	if err := pgxscan.Get(ctx, s.db, &entry, getCacheEntryQuery, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("Error getting cache entry", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, e models.CacheEntry) error {
	_, err := s.db.Exec(ctx, upsertCacheEntryQuery, e.Key, string(e.Kind), e.Model, e.Variant, e.Prompt, e.Payload, e.CreatedAt)
	if err != nil {
		s.logger.Error("Error storing cache entry", zap.String("key", e.Key), zap.Error(err))
		return fmt.Errorf("failed to store cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *PostgresStore) ListMeta(ctx context.Context, kind models.MediaKind) ([]models.CacheEntryMeta, error) {
	var metas []models.CacheEntryMeta
	if err := pgxscan.Select(ctx, s.db, &metas, listCacheMetaQuery, string(kind)); err != nil {
		return nil, fmt.Errorf("failed to list cache entries of kind %s: %w", kind, err)
	}
	return metas, nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tag, err := s.db.Exec(ctx, deleteCacheEntriesQuery, keys)
	if err != nil {
		s.logger.Error("Error deleting cache entries", zap.Int("count", len(keys)), zap.Error(err))
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	s.logger.Debug("Cache entries deleted", zap.Int64("rows_affected", tag.RowsAffected()))
	return nil
}
