package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/retry"

	"go.uber.org/zap"
)

// Тексты деградированного ответа.
const (
	DegradedNarrative      = "The storyteller lost the thread for a moment. Please try again."
	DegradedQuotaNarrative = "The storyteller needs to rest: the narrative service has reached its usage limit. Please try again later."
	RetryChoice            = "Try again"
)

// Request - запрос следующего сегмента.
type Request struct {
	System  string                // Системный промпт истории
	History []models.HistoryEntry // Только успешные обмены
	Prompt  string                // Промпт текущего хода
}

// Config - параметры клиента.
type Config struct {
	Timeout       time.Duration // Таймаут одного вызова сервиса
	HistoryBudget int           // Бюджет токенов на историю (0 - без ограничения)
	Retry         retry.Policy
}

// Client запрашивает сегменты у Backend. NextSegment никогда не возвращает ошибку:
// при сбое возвращается деградированный результат.
type Client struct {
	backend Backend
	cfg     Config
	counter TokenCounter
	logger  *zap.Logger
}

// NewClient создает клиент. counter может быть nil (ApproxCounter).
func NewClient(backend Backend, cfg Config, counter TokenCounter, logger *zap.Logger) *Client {
	if counter == nil {
		counter = ApproxCounter{}
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		counter: counter,
		logger:  logger.Named("NarrativeClient"),
	}
}

// BuildMessages собирает сообщения запроса: системный промпт, усеченная история, текущий промпт.
func (c *Client) BuildMessages(req Request) []Message {
	history := TrimHistory(req.History, c.cfg.HistoryBudget, c.counter)
	messages := make([]Message, 0, len(history)+2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	for _, h := range history {
		role := RoleUser
		if h.Role == models.HistoryRoleAssistant {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: h.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: req.Prompt})
	return messages
}

// NextSegment запрашивает следующий сегмент истории.
func (c *Client) NextSegment(ctx context.Context, req Request) models.NarrativeResult {
	messages := c.BuildMessages(req)

	result, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (models.NarrativeResult, error) {
		raw, err := c.complete(ctx, messages)
		if err != nil {
			return models.NarrativeResult{}, err
		}
		parsed, err := parseSegment(raw)
		if err != nil {
			return models.NarrativeResult{}, models.NewProviderError(c.backend.Name(), models.KindValidation, err)
		}
		return parsed, nil
	})
	if err != nil {
		kind := models.KindOf(err)
		if kind != models.KindQuota && models.LooksLikeQuota(err.Error()) {
			kind = models.KindQuota
		}
		c.logger.Error("Narrative generation failed, returning degraded segment",
			zap.String("backend", c.backend.Name()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return Degraded(kind)
	}
	return result
}

// Answer отвечает на свободный вопрос пользователя в контексте истории.
// Ответ не является сегментом истории и не попадает в ее контекст.
func (c *Client) Answer(ctx context.Context, req Request) (string, error) {
	messages := c.BuildMessages(req)
	raw, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (string, error) {
		return c.complete(ctx, messages)
	})
	if err != nil {
		return "", err
	}
	answer := extractAnswer(raw)
	if answer == "" {
		return "", models.NewProviderError(c.backend.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	return answer, nil
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	raw, err := c.backend.Complete(ctx, messages)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", models.NewProviderError(c.backend.Name(), models.KindTimeout, err)
	}
	return raw, err
}

// Degraded возвращает деградированный результат: извиняющийся текст и единственный выбор "Try again".
func Degraded(kind models.ErrorKind) models.NarrativeResult {
	text := DegradedNarrative
	if kind == models.KindQuota {
		text = DegradedQuotaNarrative
	}
	return models.NarrativeResult{
		Narrative: text,
		Choices:   []string{RetryChoice},
		Lessons:   []string{},
		Degraded:  true,
		ErrorKind: kind,
	}
}

// extractAnswer принимает как JSON {"answer": "..."} (или {"narrative": "..."}), так и простой текст.
func extractAnswer(raw string) string {
	body := stripCodeFence(raw)
	if strings.HasPrefix(body, "{") {
		var payload struct {
			Answer    string `json:"answer"`
			Narrative string `json:"narrative"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err == nil {
			if a := strings.TrimSpace(payload.Answer); a != "" {
				return a
			}
			return strings.TrimSpace(payload.Narrative)
		}
	}
	return strings.TrimSpace(body)
}
