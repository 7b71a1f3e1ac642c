package media

import (
	"context"
	"errors"
	"strings"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"

	"go.uber.org/zap"
)

// PlaceholderRef - ссылка на фиксированное изображение-заглушку.
const PlaceholderRef = "placeholder://scene"

// Пользовательские уведомления (неблокирующие).
const (
	AdvisoryClipFailed       = "The animated scene could not be created, so an illustration is shown instead."
	AdvisoryClipQuota        = "Animated scenes have reached their usage limit for now. Showing an illustration instead."
	AdvisoryImageFallback    = "The main illustration service is unavailable, a backup service was used."
	AdvisoryImageUnavailable = "An illustration for this scene is not available right now."
)

// Config - параметры оркестратора медиа.
type Config struct {
	ImageTimeout     time.Duration
	ClipTimeout      time.Duration
	ClipDuration     int           // Длительность клипа в секундах, дискриминатор отпечатка
	MaxClipsPerStory int           // Потолок клипов на историю
	ClipUsageWindow  time.Duration // Окно скользящего счетчика использования клипов
	Aspect           string
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		ImageTimeout:     60 * time.Second,
		ClipTimeout:      180 * time.Second,
		ClipDuration:     5,
		MaxClipsPerStory: 2,
		ClipUsageWindow:  24 * time.Hour,
		Aspect:           "16:9",
	}
}

// Request - запрос медиа для одного сегмента. SegmentID захватывается при запуске
// и возвращается в Result: результат применяется по идентичности сегмента.
type Request struct {
	SegmentID   string
	Prompt      string
	Environment string // Текущее окружение для визуальной согласованности
	Important   bool
	StoryClips  int // Сколько клипов уже сделано в этой истории
	Settings    models.Settings
}

// Result - итог разрешения медиа-слота.
type Result struct {
	SegmentID     string
	ImageRef      string
	ClipRef       string
	ClipGenerated bool // Клип сгенерирован провайдером (не из кеша): увеличивает счетчики
	Tier          string
	Advisories    []string
}

// Orchestrator разрешает медиа-слоты сегментов: pending -> (клип) -> изображение -> resolved.
type Orchestrator struct {
	primary   ImageProvider
	secondary ImageProvider
	clips     ClipProvider
	cache     *cache.Cache
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator создает оркестратор. secondary и clips могут быть nil.
func NewOrchestrator(primary, secondary ImageProvider, clips ClipProvider, c *cache.Cache, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		primary:   primary,
		secondary: secondary,
		clips:     clips,
		cache:     c,
		cfg:       cfg,
		logger:    logger.Named("MediaOrchestrator"),
		now:       time.Now,
	}
}

// EnhancePrompt дополняет промпт описанием окружения.
func EnhancePrompt(prompt, environment string) string {
	prompt = strings.TrimSpace(prompt)
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return prompt
	}
	return prompt + ". Setting: " + environment
}

// ShouldAttemptClip решает, пробовать ли клип для запроса.
func (o *Orchestrator) ShouldAttemptClip(req Request) bool {
	if !req.Important || !req.Settings.MediaTiers.ClipsEnabled {
		return false
	}
	if o.clips == nil || !o.clips.Configured() {
		return false
	}
	if req.Settings.ClipUsage.Current(o.now(), o.cfg.ClipUsageWindow) >= req.Settings.MediaTiers.ClipUsageCeiling {
		return false
	}
	return req.StoryClips < o.cfg.MaxClipsPerStory
}

// Resolve получает медиа для сегмента. Никогда не возвращает ошибку: сбои
// переходят на следующий уровень, а в худшем случае слот получает заглушку.
func (o *Orchestrator) Resolve(ctx context.Context, req Request) Result {
	log := o.logger.With(zap.String("segmentID", req.SegmentID))
	prompt := EnhancePrompt(req.Prompt, req.Environment)
	result := Result{SegmentID: req.SegmentID}

	if o.ShouldAttemptClip(req) {
		ref, generated, err := o.resolveClip(ctx, prompt)
		if err == nil {
			result.ClipRef = ref
			result.ClipGenerated = generated
			result.Tier = "clip"
			if !generated {
				result.Tier = "cache"
			}
			mediaResolutions.WithLabelValues(result.Tier).Inc()
			log.Info("Clip resolved", zap.Bool("generated", generated))
			return result
		}
		advisory := AdvisoryClipFailed
		if models.KindOf(err) == models.KindQuota {
			advisory = AdvisoryClipQuota
		}
		result.Advisories = append(result.Advisories, advisory)
		log.Warn("Clip attempt failed, falling back to image", zap.Error(err))
	}

	ref, tier, advisories := o.resolveImage(ctx, prompt, req.Settings.MediaTiers.ImageFallbackEnabled, log)
	result.ImageRef = ref
	result.Tier = tier
	result.Advisories = append(result.Advisories, advisories...)
	mediaResolutions.WithLabelValues(tier).Inc()
	return result
}

func (o *Orchestrator) resolveClip(ctx context.Context, prompt string) (string, bool, error) {
	fp := cache.NewFingerprint(prompt, o.clips.Model(), o.cfg.ClipDuration, models.MediaClip)
	if _, ok := o.cache.Get(ctx, fp); ok {
		return fp.Key(), false, nil
	}
	callCtx, cancel := withTimeout(ctx, o.cfg.ClipTimeout)
	defer cancel()
	data, err := o.clips.GenerateClip(callCtx, prompt, o.cfg.ClipDuration)
	if err != nil {
		return "", false, timeoutAware(callCtx, o.clips.Name(), err)
	}
	if len(data) == 0 {
		return "", false, models.NewProviderError(o.clips.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	o.cache.Put(ctx, fp, prompt, data)
	return fp.Key(), true, nil
}

// resolveImage проходит цепочку primary -> secondary -> заглушка. Результат любого
// провайдера пишется в кеш под исходным отпечатком (модель primary), чтобы повтор
// того же запроса был попаданием независимо от того, кто его обслужил.
func (o *Orchestrator) resolveImage(ctx context.Context, prompt string, fallbackEnabled bool, log *zap.Logger) (string, string, []string) {
	fp := cache.NewFingerprint(prompt, o.primary.Model(), 0, models.MediaImage)
	if _, ok := o.cache.Get(ctx, fp); ok {
		return fp.Key(), "cache", nil
	}

	data, err := o.generateImage(ctx, o.primary, prompt)
	if err == nil {
		o.cache.Put(ctx, fp, prompt, data)
		return fp.Key(), "primary", nil
	}
	log.Warn("Primary image provider failed", zap.String("provider", o.primary.Name()), zap.Error(err))

	if fallbackEnabled && o.secondary != nil && o.secondary.Configured() {
		data, err = o.generateImage(ctx, o.secondary, prompt)
		if err == nil {
			o.cache.Put(ctx, fp, prompt, data)
			return fp.Key(), "secondary", []string{AdvisoryImageFallback}
		}
		log.Warn("Secondary image provider failed", zap.String("provider", o.secondary.Name()), zap.Error(err))
	}

	log.Error("All image tiers failed, using placeholder")
	return PlaceholderRef, "placeholder", []string{AdvisoryImageUnavailable}
}

func (o *Orchestrator) generateImage(ctx context.Context, p ImageProvider, prompt string) ([]byte, error) {
	if !p.Configured() {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	callCtx, cancel := withTimeout(ctx, o.cfg.ImageTimeout)
	defer cancel()
	data, err := p.GenerateImage(callCtx, prompt, o.cfg.Aspect)
	if err != nil {
		return nil, timeoutAware(callCtx, p.Name(), err)
	}
	if len(data) == 0 {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	return data, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutAware помечает ошибку как таймаут, если истек дедлайн вызова.
func timeoutAware(ctx context.Context, name string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && models.KindOf(err) != models.KindTimeout {
		return models.NewProviderError(name, models.KindTimeout, err)
	}
	return err
}
