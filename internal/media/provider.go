// Package media получает изображения и анимированные клипы для сцен истории:
// выбор клип/изображение, цепочки fallback между провайдерами и кеш генераций.
package media

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ImageProvider - сервис генерации изображений. Ошибки нормализованы в *models.ProviderError.
type ImageProvider interface {
	Name() string
	// Model - идентификатор модели, участвует в отпечатке кеша.
	Model() string
	Configured() bool
	// GenerateImage возвращает одно изображение. aspect - подсказка соотношения сторон ("16:9").
	GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error)
}

// ClipProvider - сервис анимированных клипов (image-to-video с откатом на text-to-video).
type ClipProvider interface {
	Name() string
	Model() string
	Configured() bool
	GenerateClip(ctx context.Context, prompt string, durationSec int) ([]byte, error)
}

var (
	mediaRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_media_requests_total",
			Help: "Requests to media providers by provider, media kind and status.",
		},
		[]string{"provider", "kind", "status"},
	)
	mediaResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_media_resolutions_total",
			Help: "Resolved media slots by tier (cache, clip, primary, secondary, placeholder).",
		},
		[]string{"tier"},
	)
)
