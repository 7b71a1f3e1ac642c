// Package messaging публикует события сессии: в RabbitMQ (fanout) и в живые
// websocket-подключения клиента.
package messaging

import (
	"context"
	"errors"
	"time"

	"parable-server/internal/models"
)

// EventType - тип события сессии.
type EventType string

const (
	EventSegmentAdded  EventType = "segment_added"   // Новый сегмент (ответ на ход)
	EventMediaResolved EventType = "media_resolved"  // Медиа-слот сегмента заполнен
	EventAdvisory      EventType = "advisory"        // Неблокирующее уведомление пользователю
	EventSessionSaved  EventType = "session_saved"   // Сессия сохранена (уровень сохранения в payload)
	EventNarration     EventType = "narration_event" // Событие озвучки
	EventStoryComplete EventType = "story_completed" // История завершена
)

// Event - событие сессии.
type Event struct {
	Type      EventType         `json:"type"`
	Session   models.SessionKey `json:"session"`
	SegmentID string            `json:"segment_id,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent создает событие с текущим временем.
func NewEvent(t EventType, key models.SessionKey, segmentID string, payload any) Event {
	return Event{Type: t, Session: key, SegmentID: segmentID, Payload: payload, Timestamp: time.Now().UTC()}
}

// Notifier доставляет события сессии. Ошибки доставки не должны влиять на ход истории.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier отбрасывает события.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// MultiNotifier рассылает событие всем получателям и собирает ошибки.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifierFunc адаптирует функцию к Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
