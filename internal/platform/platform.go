// Package platform открывает инфраструктурные ресурсы по конфигурации: хранилище
// сессий, кеш генераций и их соединения. Используется сервером и CLI.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/config"
	"parable-server/internal/database"
	"parable-server/internal/models"
	"parable-server/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Resources собирает открытые ресурсы, чтобы закрыть их в обратном порядке.
type Resources struct {
	closers []func() error
	logger  *zap.Logger
}

// NewResources создает пустой набор ресурсов.
func NewResources(logger *zap.Logger) *Resources {
	return &Resources{logger: logger.Named("Platform")}
}

// AddCloser регистрирует функцию закрытия ресурса.
func (r *Resources) AddCloser(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close закрывает ресурсы в обратном порядке открытия.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// ConnectRedis подключается к Redis по URL и проверяет соединение.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// OpenSessionKV открывает KV для сессий согласно STORAGE_BACKEND. Емкость
// ограничивается CapacityBytes, чтобы деградация сохранения работала на любом бэкенде.
func (r *Resources) OpenSessionKV(ctx context.Context, cfg config.StorageConfig) (storage.KV, error) {
	var kv storage.KV
	switch cfg.Backend {
	case "memory":
		kv = storage.NewMemoryKV()
	case "redis":
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		r.AddCloser(client.Close)
		kv = storage.NewRedisKV(client, r.logger)
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		sqliteKV, err := storage.NewSQLiteKV(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		r.AddCloser(sqliteKV.Close)
		kv = sqliteKV
	}
	r.logger.Info("Session storage opened", zap.String("backend", cfg.Backend), zap.Int64("capacity", cfg.CapacityBytes))
	return storage.NewLimitedKV(kv, cfg.CapacityBytes), nil
}

// OpenSessionStore открывает хранилище сессий.
func (r *Resources) OpenSessionStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*storage.Store, error) {
	kv, err := r.OpenSessionKV(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(kv, storage.Options{Capacity: cfg.CapacityBytes}, logger), nil
}

// OpenCacheStore открывает хранилище кеша генераций согласно CACHE_BACKEND.
// Для postgres применяются миграции.
func (r *Resources) OpenCacheStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		r.AddCloser(client.Close)
		return cache.NewRedisStore(client, logger), nil
	case "postgres":
		pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, logger)
		if err != nil {
			return nil, err
		}
		r.AddCloser(func() error { pool.Close(); return nil })
		if err := database.NewMigrator(pool, logger).Up(); err != nil {
			return nil, err
		}
		return cache.NewPostgresStore(pool, logger), nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

// OpenCache открывает кеш генераций с политиками вытеснения из конфигурации.
func (r *Resources) OpenCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (*cache.Cache, error) {
	store, err := r.OpenCacheStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Generation cache opened", zap.String("backend", cfg.Backend))
	return cache.New(store, CachePolicies(cfg), logger), nil
}

// CachePolicies переводит конфигурацию кеша в политики вытеснения.
func CachePolicies(cfg config.CacheConfig) map[models.MediaKind]cache.Policy {
	return map[models.MediaKind]cache.Policy{
		models.MediaImage: {MaxAge: cfg.ImageMaxAge, MaxCount: cfg.ImageMax},
		models.MediaClip:  {MaxAge: cfg.ClipMaxAge, MaxCount: cfg.ClipMax},
		models.MediaAudio: {MaxAge: cfg.AudioMaxAge, MaxCount: cfg.AudioMax},
	}
}
