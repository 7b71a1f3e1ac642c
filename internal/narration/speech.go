// Package narration - озвучка сегментов: выбор провайдера, кеш аудио и
// конечный автомат воспроизведения (idle -> generating -> playing <-> paused -> idle).
package narration

import (
	"context"

	"parable-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Speech - хостинговый провайдер синтеза речи. Ошибки нормализованы в *models.ProviderError.
type Speech interface {
	Provider() models.NarrationProvider
	// Configured сообщает, есть ли ключ: серверный или переопределенный пользователем в voice.
	Configured(voice models.VoiceSettings) bool
	Synthesize(ctx context.Context, text string, voice models.VoiceSettings) ([]byte, error)
}

// Synthesizer - встроенный синтез. Speak блокируется до конца произнесения;
// отмена ctx прерывает синтез.
type Synthesizer interface {
	Speak(ctx context.Context, text, voice string, rate float64) error
}

var (
	speechRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_narration_requests_total",
			Help: "Requests to narration providers by provider and status.",
		},
		[]string{"provider", "status"},
	)
	narrationStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_narration_transitions_total",
			Help: "Narration state machine transitions by target state.",
		},
		[]string{"state"},
	)
)
