package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"parable-server/internal/retry"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultExchange = "parable.session.events"
	exchangeType    = "fanout"
)

// Connect подключается к RabbitMQ, повторяя попытки согласно политике.
func Connect(ctx context.Context, url string, policy retry.Policy, logger *zap.Logger) (*amqp.Connection, error) {
	policy.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	attempt := 0
	return retry.Do(ctx, policy, func(context.Context) (*amqp.Connection, error) {
		attempt++
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("Не удалось подключиться к RabbitMQ",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxRetries+1),
				zap.Error(err),
			)
			return nil, err
		}
		return conn, nil
	})
}

// RabbitMQNotifier публикует события сессии в fanout exchange.
type RabbitMQNotifier struct {
	mu       sync.Mutex // amqp091 Channel не рассчитан на конкурентную публикацию
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ Notifier = (*RabbitMQNotifier)(nil)

// NewRabbitMQNotifier открывает канал и объявляет durable fanout exchange.
func NewRabbitMQNotifier(conn *amqp.Connection, exchange string, logger *zap.Logger) (*RabbitMQNotifier, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	logger.Info("Session events exchange declared", zap.String("exchange", exchange), zap.String("type", exchangeType))
	return &RabbitMQNotifier{
		ch:       ch,
		exchange: exchange,
		logger:   logger.Named("RabbitMQNotifier"),
	}, nil
}

func (p *RabbitMQNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		"",    // routing key (не используется для fanout)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Type:        string(ev.Type),
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish session event", zap.String("type", string(ev.Type)), zap.Error(err))
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	p.logger.Debug("Session event published", zap.String("type", string(ev.Type)), zap.String("session", ev.Session.String()))
	return nil
}

// Close закрывает канал RabbitMQ.
func (p *RabbitMQNotifier) Close() error {
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}
