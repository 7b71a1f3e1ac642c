package narrative

import (
	"context"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIBackend реализует Backend через OpenAI-совместимый Chat Completions API.
type OpenAIBackend struct {
	client      *openaigo.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

var _ Backend = (*OpenAIBackend)(nil)

// NewOpenAIBackend создает бэкенд. baseURL может быть пустым (официальный API).
func NewOpenAIBackend(apiKey, baseURL, model string, temperature float32, maxTokens int, logger *zap.Logger) *OpenAIBackend {
	cfg := openaigo.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{
		client:      openaigo.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger.Named("OpenAINarrative"),
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openaigo.ChatCompletionRequest{
		Model:       b.model,
		Messages:    make([]openaigo.ChatCompletionMessage, 0, len(messages)),
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
		ResponseFormat: &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaigo.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, req)
	narrativeDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		perr := provider.MapOpenAIError(b.Name(), err)
		narrativeRequests.WithLabelValues(b.Name(), string(perr.Kind)).Inc()
		b.logger.Warn("Narrative request failed", zap.String("model", b.model), zap.String("kind", string(perr.Kind)), zap.Error(err))
		return "", perr
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		narrativeRequests.WithLabelValues(b.Name(), string(models.KindValidation)).Inc()
		return "", models.NewProviderError(b.Name(), models.KindValidation, models.ErrEmptyPayload)
	}

	narrativeRequests.WithLabelValues(b.Name(), "success").Inc()
	b.logger.Debug("Narrative response received",
		zap.String("model", b.model),
		zap.Int("promptTokens", resp.Usage.PromptTokens),
		zap.Int("completionTokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}
