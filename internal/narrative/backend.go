// Package narrative - клиент нарративного сервиса: запрос следующего сегмента истории,
// валидация структурированного ответа и деградированный ответ при сбое.
package narrative

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role - роль сообщения в запросе к модели.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message - одно сообщение диалога с моделью.
type Message struct {
	Role    Role
	Content string
}

// Backend - текстовый генеративный сервис. Все ошибки возвращаются уже
// нормализованными в *models.ProviderError.
type Backend interface {
	Name() string
	// Complete возвращает сырой текст ответа модели (ожидается JSON-объект).
	Complete(ctx context.Context, messages []Message) (string, error)
}

var (
	narrativeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_narrative_requests_total",
			Help: "Total number of requests to the narrative service.",
		},
		[]string{"backend", "status"},
	)
	narrativeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parable_narrative_request_duration_seconds",
			Help:    "Histogram of narrative service request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)
