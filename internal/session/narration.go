package session

import (
	"context"
	"fmt"
	"sync"

	"parable-server/internal/messaging"
	"parable-server/internal/models"
	"parable-server/internal/narration"

	"go.uber.org/zap"
)

// NarratorFactory создает подсистему озвучки для сессии.
type NarratorFactory func(settings models.Settings, listener narration.Listener) *narration.Narrator

// NarrationControl управляет озвучкой сессий: по одному Narrator на сессию,
// но у пользователя активна озвучка только одной сессии. События озвучки
// уходят в общий поток событий сессии.
type NarrationControl struct {
	orch     *Orchestrator
	factory  NarratorFactory
	notifier messaging.Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	narrators map[models.SessionKey]*narration.Narrator
}

// NewNarrationControl создает управление озвучкой и подписывает его на изменения настроек.
func NewNarrationControl(orch *Orchestrator, factory NarratorFactory, notifier messaging.Notifier, logger *zap.Logger) *NarrationControl {
	if notifier == nil {
		notifier = messaging.NopNotifier{}
	}
	nc := &NarrationControl{
		orch:      orch,
		factory:   factory,
		notifier:  notifier,
		logger:    logger.Named("NarrationControl"),
		narrators: make(map[models.SessionKey]*narration.Narrator),
	}
	orch.OnSettingsChanged(nc.applySettings)
	return nc
}

// Narrate озвучивает сегмент рассказчика. Результат приходит событием.
func (nc *NarrationControl) Narrate(ctx context.Context, key models.SessionKey, segmentID string) error {
	snap, err := nc.orch.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	idx := snap.SegmentIndex(segmentID)
	if idx < 0 {
		return fmt.Errorf("%w: segment %s", models.ErrNotFound, segmentID)
	}
	seg := snap.Segments[idx]
	if seg.Kind != models.SegmentNarrator && seg.Kind != models.SegmentAnswer {
		return fmt.Errorf("%w: segment %s has nothing to narrate", models.ErrInvalidInput, segmentID)
	}
	n, err := nc.narrator(ctx, key)
	if err != nil {
		return err
	}
	// У пользователя одновременно звучит только один сегмент, в какой бы истории он ни был.
	for _, other := range nc.othersOf(key) {
		other.Stop()
	}
	return n.Play(ctx, segmentID, seg.Text)
}

// Pause приостанавливает озвучку сегмента.
func (nc *NarrationControl) Pause(key models.SessionKey, segmentID string) error {
	n, ok := nc.existing(key)
	if !ok {
		return models.ErrNarrationBusy
	}
	return n.Pause(segmentID)
}

// Resume возобновляет озвучку сегмента.
func (nc *NarrationControl) Resume(key models.SessionKey, segmentID string) error {
	n, ok := nc.existing(key)
	if !ok {
		return models.ErrNarrationBusy
	}
	return n.Resume(segmentID)
}

// Ended - клиент доиграл аудио сегмента.
func (nc *NarrationControl) Ended(key models.SessionKey, segmentID string) error {
	n, ok := nc.existing(key)
	if !ok {
		return models.ErrNarrationBusy
	}
	return n.Ended(segmentID)
}

// Stop останавливает озвучку сессии.
func (nc *NarrationControl) Stop(key models.SessionKey) {
	if n, ok := nc.existing(key); ok {
		n.Stop()
	}
}

// Status возвращает состояние озвучки сессии.
func (nc *NarrationControl) Status(key models.SessionKey) narration.Status {
	if n, ok := nc.existing(key); ok {
		return n.Status()
	}
	return narration.Status{State: narration.StateIdle}
}

// Forget останавливает и удаляет озвучку сессии (после сброса).
func (nc *NarrationControl) Forget(key models.SessionKey) {
	nc.mu.Lock()
	n, ok := nc.narrators[key]
	delete(nc.narrators, key)
	nc.mu.Unlock()
	if ok {
		n.Close()
	}
}

// Close останавливает всю озвучку.
func (nc *NarrationControl) Close() {
	nc.mu.Lock()
	all := nc.narrators
	nc.narrators = make(map[models.SessionKey]*narration.Narrator)
	nc.mu.Unlock()
	for _, n := range all {
		n.Close()
	}
}

func (nc *NarrationControl) existing(key models.SessionKey) (*narration.Narrator, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	n, ok := nc.narrators[key]
	return n, ok
}

// othersOf возвращает озвучки других историй того же пользователя.
func (nc *NarrationControl) othersOf(key models.SessionKey) []*narration.Narrator {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	var out []*narration.Narrator
	for k, n := range nc.narrators {
		if k.UserID == key.UserID && k != key {
			out = append(out, n)
		}
	}
	return out
}

func (nc *NarrationControl) narrator(ctx context.Context, key models.SessionKey) (*narration.Narrator, error) {
	if n, ok := nc.existing(key); ok {
		return n, nil
	}
	settings, err := nc.orch.Settings(ctx, key.UserID)
	if err != nil {
		return nil, err
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	if n, ok := nc.narrators[key]; ok {
		return n, nil
	}
	n := nc.factory(settings, func(ev narration.Event) {
		if err := nc.notifier.Notify(context.Background(), messaging.NewEvent(messaging.EventNarration, key, ev.SegmentID, ev)); err != nil {
			nc.logger.Warn("Failed to deliver narration event", zap.Error(err))
		}
	})
	nc.narrators[key] = n
	return n, nil
}

// applySettings передает новые настройки всем озвучкам пользователя.
func (nc *NarrationControl) applySettings(userID string, s models.Settings) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for key, n := range nc.narrators {
		if key.UserID == userID {
			n.ApplySettings(s)
		}
	}
}
