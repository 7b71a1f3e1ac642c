package narrative

import (
	"parable-server/internal/models"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter оценивает количество токенов в тексте.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter - грубая оценка: ~4 символа на токен.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// NewTokenCounter возвращает счетчик tiktoken для модели, а если кодировка
// недоступна (неизвестная модель или нет сети для загрузки словаря) - ApproxCounter.
func NewTokenCounter(model string, logger *zap.Logger) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		logger.Warn("Tokenizer unavailable, using approximate token counts", zap.String("model", model), zap.Error(err))
		return ApproxCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// TrimHistory оставляет самые новые записи истории, укладывающиеся в бюджет токенов.
// budget <= 0 - без ограничения.
func TrimHistory(history []models.HistoryEntry, budget int, counter TokenCounter) []models.HistoryEntry {
	if budget <= 0 || counter == nil {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := counter.Count(history[i].Content)
		if total+n > budget {
			break
		}
		total += n
		start = i
	}
	return history[start:]
}
