package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"parable-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// SaveTier - уровень деградации, на котором удалось сохранить сессию.
type SaveTier string

const (
	TierVerbose SaveTier = "verbose" // Полный формат
	TierCompact SaveTier = "compact" // Сжатый формат с усеченной историей
	TierPruned  SaveTier = "pruned"  // Сжатый формат после деструктивной очистки
	TierDropped SaveTier = "dropped" // Не удалось сохранить ни на одном уровне
)

const (
	sessionKeyPrefix  = "session:"
	profileKeyPrefix  = "profile:"
	settingsKeyPrefix = "settings:"
)

var (
	storageSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_storage_saves_total",
			Help: "Session saves by the degradation tier that succeeded.",
		},
		[]string{"tier"},
	)
	storageUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parable_storage_usage_ratio",
			Help: "Estimated storage usage relative to the assumed capacity.",
		},
	)
)

// Options - параметры хранилища сессий.
type Options struct {
	// Capacity - предполагаемая емкость хранилища в байтах (для оценки использования).
	Capacity int64
	// CompactHistoryLimit - сколько последних записей истории оставлять в сжатом формате.
	CompactHistoryLimit int
	// CleanupThreshold - доля использования, после которой запускается очистка (0.8).
	CleanupThreshold float64
	Prune            PrunePolicy
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		Capacity:            5 * 1024 * 1024,
		CompactHistoryLimit: 10,
		CleanupThreshold:    0.8,
		Prune:               DefaultPrunePolicy(),
	}
}

// UsageReport - результат проверки использования хранилища.
type UsageReport struct {
	Used     int64   `json:"used"`
	Capacity int64   `json:"capacity"`
	Ratio    float64 `json:"ratio"`
	Pruned   int     `json:"pruned"` // Сколько сессий было очищено
}

// Store - хранилище сессий, профиля и настроек с деградацией при нехватке места.
type Store struct {
	kv     KV
	opts   Options
	logger *zap.Logger
}

// NewStore создает хранилище. Нулевые поля opts заменяются значениями по умолчанию.
func NewStore(kv KV, opts Options, logger *zap.Logger) *Store {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		if limited, ok := kv.(interface{ Capacity() int64 }); ok && limited.Capacity() > 0 {
			opts.Capacity = limited.Capacity()
		} else {
			opts.Capacity = def.Capacity
		}
	}
	if opts.CompactHistoryLimit <= 0 {
		opts.CompactHistoryLimit = def.CompactHistoryLimit
	}
	if opts.CleanupThreshold <= 0 {
		opts.CleanupThreshold = def.CleanupThreshold
	}
	if opts.Prune.CompletedKeep <= 0 && opts.Prune.IncompleteKeep <= 0 {
		opts.Prune = def.Prune
	}
	return &Store{
		kv:     kv,
		opts:   opts,
		logger: logger.Named("SessionStore"),
	}
}

// SaveSession сохраняет сессию, последовательно деградируя формат при нехватке места:
// полный формат, сжатый, сжатый после очистки. Ошибка емкости наружу не отдается:
// результат сообщается через SaveTier. Возвращаемая ошибка означает сбой хранилища иного рода.
func (s *Store) SaveSession(ctx context.Context, sess models.Session) (SaveTier, error) {
	key := sess.Key.String()
	log := s.logger.With(zap.String("key", key))

	data, err := EncodeVerbose(sess)
	if err != nil {
		return TierDropped, err
	}
	err = s.kv.Set(ctx, key, data)
	if err == nil {
		storageSaves.WithLabelValues(string(TierVerbose)).Inc()
		return TierVerbose, nil
	}
	if !errors.Is(err, models.ErrStorageCapacity) {
		log.Error("Failed to save session", zap.Error(err))
		return TierDropped, err
	}

	log.Warn("Storage capacity exceeded, retrying with compact encoding", zap.Int("verboseBytes", len(data)))
	if data, err = EncodeCompact(sess, s.opts.CompactHistoryLimit); err != nil {
		return TierDropped, err
	}
	err = s.kv.Set(ctx, key, data)
	if err == nil {
		storageSaves.WithLabelValues(string(TierCompact)).Inc()
		return TierCompact, nil
	}
	if !errors.Is(err, models.ErrStorageCapacity) {
		log.Error("Failed to save compact session", zap.Error(err))
		return TierDropped, err
	}

	log.Warn("Storage capacity still exceeded, pruning stored sessions", zap.Int("compactBytes", len(data)))
	s.pruneAll(ctx, sess.Key)
	pruned := s.opts.Prune.Prune(sess)
	if data, err = EncodeCompact(pruned, s.opts.CompactHistoryLimit); err != nil {
		return TierDropped, err
	}
	err = s.kv.Set(ctx, key, data)
	if err == nil {
		storageSaves.WithLabelValues(string(TierPruned)).Inc()
		return TierPruned, nil
	}
	storageSaves.WithLabelValues(string(TierDropped)).Inc()
	if !errors.Is(err, models.ErrStorageCapacity) {
		log.Error("Failed to save pruned session", zap.Error(err))
		return TierDropped, err
	}
	log.Error("Session could not be persisted on any tier", zap.Int("prunedBytes", len(data)))
	return TierDropped, nil
}

// LoadSession загружает сессию, принимая любой из известных форматов.
func (s *Store) LoadSession(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	data, err := s.kv.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	sess, version, err := Decode(data)
	if err != nil {
		s.logger.Error("Failed to decode persisted session", zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	if version != FormatVerbose {
		s.logger.Debug("Session loaded from non-verbose format", zap.String("key", key.String()), zap.Int("version", version))
	}
	return &sess, nil
}

// DeleteSession удаляет сессию.
func (s *Store) DeleteSession(ctx context.Context, key models.SessionKey) error {
	return s.kv.Delete(ctx, key.String())
}

// ListSessions возвращает ключи всех сохраненных сессий.
func (s *Store) ListSessions(ctx context.Context) ([]models.SessionKey, error) {
	keys, err := s.kv.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionKey, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, sessionKeyPrefix)
		story, user, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		out = append(out, models.SessionKey{StoryID: story, UserID: user})
	}
	return out, nil
}

// PruneSession применяет политику очистки к сохраненной сессии и пересохраняет ее в сжатом формате.
func (s *Store) PruneSession(ctx context.Context, key models.SessionKey) error {
	sess, err := s.LoadSession(ctx, key)
	if err != nil {
		return err
	}
	data, err := EncodeCompact(s.opts.Prune.Prune(*sess), s.opts.CompactHistoryLimit)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key.String(), data)
}

// pruneAll применяет политику очистки ко всем сохраненным сессиям, кроме skip.
// Возвращает число очищенных сессий.
func (s *Store) pruneAll(ctx context.Context, skip models.SessionKey) int {
	keys, err := s.ListSessions(ctx)
	if err != nil {
		s.logger.Warn("Failed to list sessions for pruning", zap.Error(err))
		return 0
	}
	pruned := 0
	for _, key := range keys {
		if key == skip {
			continue
		}
		if err := s.PruneSession(ctx, key); err != nil {
			s.logger.Warn("Failed to prune session", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}

// CheckUsage оценивает использование хранилища и, если оно превысило порог,
// заранее очищает все сохраненные сессии.
func (s *Store) CheckUsage(ctx context.Context) (UsageReport, error) {
	used, err := s.kv.Usage(ctx)
	if err != nil {
		return UsageReport{}, fmt.Errorf("failed to estimate storage usage: %w", err)
	}
	report := UsageReport{Used: used, Capacity: s.opts.Capacity}
	report.Ratio = float64(used) / float64(s.opts.Capacity)
	storageUsageRatio.Set(report.Ratio)

	if report.Ratio < s.opts.CleanupThreshold {
		return report, nil
	}

	s.logger.Warn("Storage usage above threshold, pruning sessions",
		zap.Int64("used", used), zap.Int64("capacity", s.opts.Capacity), zap.Float64("ratio", report.Ratio))
	report.Pruned = s.pruneAll(ctx, models.SessionKey{})
	if used, err := s.kv.Usage(ctx); err == nil {
		report.Used = used
		report.Ratio = float64(used) / float64(s.opts.Capacity)
		storageUsageRatio.Set(report.Ratio)
	}
	return report, nil
}

// StartUsageMonitor периодически запускает CheckUsage до отмены ctx.
func (s *Store) StartUsageMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CheckUsage(ctx); err != nil {
					s.logger.Warn("Storage usage check failed", zap.Error(err))
				}
			}
		}
	}()
}

// SaveSettings сохраняет настройки пользователя.
func (s *Store) SaveSettings(ctx context.Context, userID string, settings models.Settings) error {
	return s.putJSON(ctx, settingsKeyPrefix+userID, settings)
}

// LoadSettings загружает настройки, сливая их с дефолтами. При отсутствии
// возвращает настройки по умолчанию.
func (s *Store) LoadSettings(ctx context.Context, userID string) (models.Settings, error) {
	// Декодируем поверх дефолтов: отсутствующие в старых данных поля сохраняют значения по умолчанию.
	settings := models.DefaultSettings()
	if err := s.getJSON(ctx, settingsKeyPrefix+userID, &settings); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.DefaultSettings(), nil
		}
		return models.DefaultSettings(), err
	}
	return settings.MergeWithDefaults(), nil
}

// SaveProfile сохраняет профиль пользователя.
func (s *Store) SaveProfile(ctx context.Context, profile models.Profile) error {
	if profile.UserID == "" {
		return fmt.Errorf("%w: empty user id", models.ErrInvalidInput)
	}
	return s.putJSON(ctx, profileKeyPrefix+profile.UserID, profile)
}

// LoadProfile загружает профиль пользователя.
func (s *Store) LoadProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var profile models.Profile
	if err := s.getJSON(ctx, profileKeyPrefix+userID, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		s.logger.Error("Failed to persist value", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
