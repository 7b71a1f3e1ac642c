package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// OllamaBackend реализует Backend через нативный API Ollama.
type OllamaBackend struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

var _ Backend = (*OllamaBackend)(nil)

// NewOllamaBackend создает бэкенд Ollama. baseURL указывается без суффикса /v1.
func NewOllamaBackend(baseURL, model string, temperature float64, maxTokens int, timeout time.Duration, logger *zap.Logger) (*OllamaBackend, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", base, err)
	}
	httpClient := &http.Client{Timeout: timeout}
	return &OllamaBackend{
		client:      api.NewClient(parsed, httpClient),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger.Named("OllamaNarrative"),
	}, nil
}

func (b *OllamaBackend) Name() string { return "ollama" }

func (b *OllamaBackend) Complete(ctx context.Context, messages []Message) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    b.model,
		Messages: make([]api.Message, 0, len(messages)),
		Stream:   &stream,
		Format:   json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": b.temperature,
			"num_predict": b.maxTokens,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	start := time.Now()
	var resp api.ChatResponse
	err := b.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	narrativeDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		perr := mapOllamaError(err)
		narrativeRequests.WithLabelValues(b.Name(), string(perr.Kind)).Inc()
		b.logger.Warn("Narrative request failed", zap.String("model", b.model), zap.String("kind", string(perr.Kind)), zap.Error(err))
		return "", perr
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		narrativeRequests.WithLabelValues(b.Name(), string(models.KindValidation)).Inc()
		return "", models.NewProviderError(b.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	narrativeRequests.WithLabelValues(b.Name(), "success").Inc()
	b.logger.Debug("Narrative response received",
		zap.String("model", b.model),
		zap.Int("promptTokens", resp.PromptEvalCount),
		zap.Int("completionTokens", resp.EvalCount),
	)
	return resp.Message.Content, nil
}

// mapOllamaError нормализует ошибки клиента Ollama.
func mapOllamaError(err error) *models.ProviderError {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if models.LooksLikeQuota(statusErr.ErrorMessage) {
			return models.NewProviderError("ollama", models.KindQuota, err)
		}
		if statusErr.StatusCode == http.StatusNotFound {
			// Модель не загружена - проблема конфигурации.
			return models.NewProviderError("ollama", models.KindConfiguration, err)
		}
		return models.NewProviderError("ollama", models.KindFromHTTPStatus(statusErr.StatusCode), err)
	}
	return provider.MapTransportError("ollama", err)
}
