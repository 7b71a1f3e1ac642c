package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiBackend реализует Backend через Google Gemini API.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	logger      *zap.Logger
}

var _ Backend = (*GeminiBackend)(nil)

// NewGeminiBackend создает бэкенд. Без ключа клиент не создается и каждый
// запрос завершается ошибкой конфигурации.
func NewGeminiBackend(ctx context.Context, apiKey, model string, temperature float32, maxTokens int, logger *zap.Logger) (*GeminiBackend, error) {
	b := &GeminiBackend{
		model:       model,
		temperature: temperature,
		maxTokens:   int32(maxTokens),
		logger:      logger.Named("GeminiNarrative"),
	}
	if apiKey == "" {
		return b, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	b.client = client
	return b, nil
}

func (b *GeminiBackend) Name() string { return "gemini" }

// Close освобождает соединения клиента.
func (b *GeminiBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *GeminiBackend) Complete(ctx context.Context, messages []Message) (string, error) {
	if b.client == nil {
		narrativeRequests.WithLabelValues(b.Name(), string(models.KindConfiguration)).Inc()
		return "", models.NewProviderError(b.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	system, history, last := splitForChat(messages)
	if last == "" {
		return "", models.NewProviderError(b.Name(), models.KindValidation, fmt.Errorf("%w: no user message", models.ErrInvalidInput))
	}

	m := b.client.GenerativeModel(b.model)
	m.SetTemperature(b.temperature)
	if b.maxTokens > 0 {
		m.SetMaxOutputTokens(b.maxTokens)
	}
	m.ResponseMIMEType = "application/json"
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	cs := m.StartChat()
	cs.History = history

	start := time.Now()
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	narrativeDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		perr := provider.MapGoogleError(b.Name(), err)
		narrativeRequests.WithLabelValues(b.Name(), string(perr.Kind)).Inc()
		b.logger.Warn("Narrative request failed", zap.String("model", b.model), zap.String("kind", string(perr.Kind)), zap.Error(err))
		return "", perr
	}

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		narrativeRequests.WithLabelValues(b.Name(), string(models.KindValidation)).Inc()
		return "", models.NewProviderError(b.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	narrativeRequests.WithLabelValues(b.Name(), "success").Inc()
	if resp.UsageMetadata != nil {
		b.logger.Debug("Narrative response received",
			zap.String("model", b.model),
			zap.Int32("promptTokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completionTokens", resp.UsageMetadata.CandidatesTokenCount),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return text, nil
}

// splitForChat раскладывает сообщения для чат-сессии Gemini: системные уходят в
// инструкцию, последнее пользовательское отправляется, остальное - история.
func splitForChat(messages []Message) (system string, history []*genai.Content, last string) {
	var sys []string
	var dialog []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		dialog = append(dialog, m)
	}
	if n := len(dialog); n > 0 && dialog[n-1].Role == RoleUser {
		last = dialog[n-1].Content
		dialog = dialog[:n-1]
	}
	for _, m := range dialog {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return strings.Join(sys, "\n\n"), history, last
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
