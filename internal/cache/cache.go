// Package cache реализует контентно-адресуемый кеш результатов генерации
// (изображения, клипы, аудио) с вытеснением по возрасту и количеству.
package cache

import (
	"context"
	"errors"
	"time"

	"parable-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_cache_lookups_total",
			Help: "Generation cache lookups by media kind and result (hit/miss/error).",
		},
		[]string{"kind", "result"},
	)
	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_cache_evictions_total",
			Help: "Generation cache entries evicted by media kind.",
		},
		[]string{"kind"},
	)
)

// Store - хранилище записей кеша. Должно поддерживать выборку метаданных
// в порядке создания для вытеснения.
type Store interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error) // models.ErrNotFound при отсутствии
	Put(ctx context.Context, entry models.CacheEntry) error
	// ListMeta возвращает метаданные записей типа kind от старых к новым.
	ListMeta(ctx context.Context, kind models.MediaKind) ([]models.CacheEntryMeta, error)
	Delete(ctx context.Context, keys ...string) error
}

// Policy - политика вытеснения для одного типа медиа.
type Policy struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultPolicies возвращает политики по умолчанию.
func DefaultPolicies() map[models.MediaKind]Policy {
	return map[models.MediaKind]Policy{
		models.MediaImage: {MaxAge: 7 * 24 * time.Hour, MaxCount: 200},
		models.MediaClip:  {MaxAge: 7 * 24 * time.Hour, MaxCount: 20},
		models.MediaAudio: {MaxAge: 3 * 24 * time.Hour, MaxCount: 100},
	}
}

// Cache - кеш генераций поверх Store. Ошибки хранилища не пробрасываются:
// они логируются и трактуются как промах.
type Cache struct {
	store    Store
	policies map[models.MediaKind]Policy
	logger   *zap.Logger
	now      func() time.Time
}

// New создает кеш. Если policies == nil, используются политики по умолчанию.
func New(store Store, policies map[models.MediaKind]Policy, logger *zap.Logger) *Cache {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Cache{
		store:    store,
		policies: policies,
		logger:   logger.Named("GenerationCache"),
		now:      time.Now,
	}
}

// Get возвращает сохраненный артефакт по отпечатку.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) ([]byte, bool) {
	entry, ok := c.GetByKey(ctx, fp.Key())
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// GetByKey возвращает запись по ключу хранилища (используется для отдачи медиа).
func (c *Cache) GetByKey(ctx context.Context, key string) (*models.CacheEntry, bool) {
	kind, _ := KindFromKey(key)
	log := c.logger.With(zap.String("key", key))

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			cacheLookups.WithLabelValues(string(kind), "miss").Inc()
			log.Debug("Cache miss")
			return nil, false
		}
		cacheLookups.WithLabelValues(string(kind), "error").Inc()
		log.Warn("Cache lookup failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if policy, ok := c.policies[entry.Kind]; ok && policy.MaxAge > 0 && c.now().Sub(entry.CreatedAt) > policy.MaxAge {
		cacheLookups.WithLabelValues(string(kind), "miss").Inc()
		log.Debug("Cache entry expired")
		return nil, false
	}
	cacheLookups.WithLabelValues(string(kind), "hit").Inc()
	log.Debug("Cache hit")
	return entry, true
}

// Put сохраняет артефакт под отпечатком и запускает вытеснение для его типа.
// prompt - исходный текст запроса (provenance).
func (c *Cache) Put(ctx context.Context, fp Fingerprint, prompt string, payload []byte) {
	if len(payload) == 0 {
		c.logger.Warn("Refusing to cache empty payload", zap.String("kind", string(fp.Kind)))
		return
	}
	entry := models.CacheEntry{
		Key:       fp.Key(),
		Kind:      fp.Kind,
		Model:     fp.Model,
		Variant:   fp.Variant,
		Prompt:    prompt,
		Payload:   payload,
		CreatedAt: c.now(),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("Failed to write cache entry", zap.String("key", entry.Key), zap.Error(err))
		return
	}
	c.logger.Debug("Cache entry stored", zap.String("key", entry.Key), zap.Int("bytes", len(payload)))

	if _, err := c.Evict(ctx, fp.Kind); err != nil {
		c.logger.Warn("Cache eviction failed", zap.String("kind", string(fp.Kind)), zap.Error(err))
	}
}

// Evict удаляет записи типа kind: сначала старше MaxAge, затем самые старые
// сверх MaxCount. Возвращает количество удаленных записей.
func (c *Cache) Evict(ctx context.Context, kind models.MediaKind) (int, error) {
	policy, ok := c.policies[kind]
	if !ok {
		return 0, nil
	}
	metas, err := c.store.ListMeta(ctx, kind)
	if err != nil {
		return 0, err
	}

	now := c.now()
	var victims []string
	remaining := metas[:0:0]
	for _, m := range metas {
		if policy.MaxAge > 0 && now.Sub(m.CreatedAt) > policy.MaxAge {
			victims = append(victims, m.Key)
			continue
		}
		remaining = append(remaining, m)
	}
	if policy.MaxCount > 0 && len(remaining) > policy.MaxCount {
		// remaining упорядочен от старых к новым.
		excess := len(remaining) - policy.MaxCount
		for _, m := range remaining[:excess] {
			victims = append(victims, m.Key)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, victims...); err != nil {
		return 0, err
	}
	cacheEvictions.WithLabelValues(string(kind)).Add(float64(len(victims)))
	c.logger.Info("Cache entries evicted", zap.String("kind", string(kind)), zap.Int("count", len(victims)))
	return len(victims), nil
}

// EvictAll запускает вытеснение для всех типов с политикой.
func (c *Cache) EvictAll(ctx context.Context) (map[models.MediaKind]int, error) {
	result := make(map[models.MediaKind]int, len(c.policies))
	var errs []error
	for kind := range c.policies {
		n, err := c.Evict(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result[kind] = n
	}
	return result, errors.Join(errs...)
}
