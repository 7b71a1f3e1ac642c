// Package retry реализует повтор операций с экспоненциальной задержкой и джиттером.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"parable-server/internal/models"
)

// Policy описывает политику повторов. Создается один раз на место вызова.
type Policy struct {
	MaxRetries   int           // Количество повторов после первой попытки
	InitialDelay time.Duration // Задержка перед первым повтором
	MaxDelay     time.Duration // Верхняя граница задержки до джиттера
	Jitter       float64       // Доля джиттера, 0.1 = ±10%
	// ShouldRetry классифицирует ошибку. nil означает DefaultShouldRetry.
	ShouldRetry func(error) bool

	// Sleep и Rand подменяются в тестах.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultPolicy - политика по умолчанию (как в воркере генерации: 3 попытки, джиттер 10%).
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       0.1,
	}
}

// DefaultShouldRetry повторяет только временные ошибки. Таймауты уходят в fallback,
// квоты и ошибки конфигурации повторять бессмысленно.
func DefaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return models.KindOf(err) == models.KindTransient
}

// Delay возвращает задержку перед повтором с номером attempt (с нуля) без джиттера.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) jittered(attempt int) time.Duration {
	delay := float64(p.Delay(attempt))
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		delay += delay * p.Jitter * (r()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет op, повторяя ее согласно политике. Ошибка возвращается без изменений:
// ретрайер решает только, повторять ли, но никогда не преобразует ошибку.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || !shouldRetry(err) {
			return zero, err
		}
		if sleepErr := sleep(ctx, p.jittered(attempt)); sleepErr != nil {
			// Контекст отменен во время ожидания: отдаем последнюю ошибку операции.
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
