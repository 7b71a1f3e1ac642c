package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"

	"go.uber.org/zap"
)

// State - состояние воспроизведения.
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
)

// speedSentinel - фиксированный дискриминатор скорости в отпечатке аудио:
// скорость применяется при воспроизведении и не влияет на синтезированные байты.
const speedSentinel = 100

// EventType - тип события озвучки.
type EventType string

const (
	EventState EventType = "narration_state" // Смена состояния
	EventAudio EventType = "narration_audio" // Аудио готово к воспроизведению
	EventError EventType = "narration_error" // Ошибка воспроизведения (неблокирующая)
)

// Event - событие озвучки для клиента.
type Event struct {
	Type      EventType                `json:"type"`
	SegmentID string                   `json:"segment_id"`
	State     State                    `json:"state"`
	Provider  models.NarrationProvider `json:"provider,omitempty"`
	AudioRef  string                   `json:"audio_ref,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// Listener получает события озвучки. Вызывается вне блокировок.
type Listener func(Event)

// Status - снимок состояния озвучки.
type Status struct {
	State     State  `json:"state"`
	SegmentID string `json:"segment_id,omitempty"`
}

// Narrator - подсистема озвучки одной сессии. Одновременно активен не более одного сегмента:
// запуск нового сегмента принудительно останавливает текущий.
type Narrator struct {
	mu        sync.Mutex
	state     State
	segmentID string
	epoch     uint64
	cancel    context.CancelFunc

	settings models.Settings
	hosted   map[models.NarrationProvider]Speech
	builtin  Synthesizer
	cache    *cache.Cache
	timeout  time.Duration
	listener Listener
	logger   *zap.Logger

	wg sync.WaitGroup
}

// Config - параметры озвучки.
type Config struct {
	Timeout time.Duration // Таймаут хостингового синтеза
}

// NewNarrator создает подсистему. builtin и cache могут быть nil.
func NewNarrator(hosted []Speech, builtin Synthesizer, c *cache.Cache, settings models.Settings, cfg Config, listener Listener, logger *zap.Logger) *Narrator {
	byProvider := make(map[models.NarrationProvider]Speech, len(hosted))
	for _, s := range hosted {
		byProvider[s.Provider()] = s
	}
	if listener == nil {
		listener = func(Event) {}
	}
	return &Narrator{
		state:    StateIdle,
		settings: settings.MergeWithDefaults(),
		hosted:   byProvider,
		builtin:  builtin,
		cache:    c,
		timeout:  cfg.Timeout,
		listener: listener,
		logger:   logger.Named("Narrator"),
	}
}

// ApplySettings заменяет настройки. Активное воспроизведение не прерывается.
func (n *Narrator) ApplySettings(s models.Settings) {
	n.mu.Lock()
	n.settings = s.MergeWithDefaults()
	n.mu.Unlock()
}

// Status возвращает текущее состояние.
func (n *Narrator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{State: n.state, SegmentID: n.segmentID}
}

// Play запускает озвучку сегмента. Возвращается сразу: синтез идет в фоне,
// результат приходит событием. Активный сегмент принудительно останавливается.
func (n *Narrator) Play(ctx context.Context, segmentID, text string) error {
	text = strings.TrimSpace(text)
	if segmentID == "" || text == "" {
		return fmt.Errorf("%w: segment id and text are required", models.ErrInvalidInput)
	}

	n.mu.Lock()
	var events []Event
	if n.state != StateIdle {
		events = append(events, n.stopLocked())
	}
	n.epoch++
	epoch := n.epoch
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.segmentID = segmentID
	settings := n.settings
	events = append(events, n.transitionLocked(StateGenerating))
	n.mu.Unlock()
	n.emit(events...)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		if settings.NarrationProvider.IsHosted() {
			n.playHosted(opCtx, epoch, segmentID, text, settings)
		} else {
			n.playBuiltin(opCtx, epoch, segmentID, text, settings)
		}
	}()
	return nil
}

// Pause переводит playing -> paused.
func (n *Narrator) Pause(segmentID string) error {
	return n.switchState(segmentID, StatePlaying, StatePaused)
}

// Resume переводит paused -> playing.
func (n *Narrator) Resume(segmentID string) error {
	return n.switchState(segmentID, StatePaused, StatePlaying)
}

// Ended сообщает, что клиент доиграл аудио сегмента.
func (n *Narrator) Ended(segmentID string) error {
	n.mu.Lock()
	if n.segmentID != segmentID || (n.state != StatePlaying && n.state != StatePaused) {
		n.mu.Unlock()
		return models.ErrNarrationBusy
	}
	ev := n.stopLocked()
	n.mu.Unlock()
	n.emit(ev)
	return nil
}

// Stop останавливает любое активное воспроизведение.
func (n *Narrator) Stop() {
	n.mu.Lock()
	if n.state == StateIdle {
		n.mu.Unlock()
		return
	}
	ev := n.stopLocked()
	n.mu.Unlock()
	n.emit(ev)
}

// Close останавливает воспроизведение и дожидается фоновых задач.
func (n *Narrator) Close() {
	n.Stop()
	n.wg.Wait()
}

func (n *Narrator) switchState(segmentID string, from, to State) error {
	n.mu.Lock()
	if n.segmentID != segmentID || n.state != from {
		n.mu.Unlock()
		return models.ErrNarrationBusy
	}
	ev := n.transitionLocked(to)
	n.mu.Unlock()
	n.emit(ev)
	return nil
}

// stopLocked отменяет синтез и сбрасывает состояние в idle. Эпоха увеличивается,
// поэтому запоздавшие результаты отмененной операции игнорируются.
func (n *Narrator) stopLocked() Event {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.epoch++
	ev := n.transitionLocked(StateIdle)
	n.segmentID = ""
	return ev
}

func (n *Narrator) transitionLocked(to State) Event {
	n.state = to
	narrationStates.WithLabelValues(string(to)).Inc()
	return Event{Type: EventState, SegmentID: n.segmentID, State: to}
}

// finish применяет результат фоновой операции, если она все еще актуальна.
func (n *Narrator) finish(epoch uint64, apply func() []Event) {
	n.mu.Lock()
	if n.epoch != epoch {
		n.mu.Unlock()
		return
	}
	events := apply()
	n.mu.Unlock()
	n.emit(events...)
}

func (n *Narrator) emit(events ...Event) {
	for _, ev := range events {
		n.listener(ev)
	}
}

func (n *Narrator) playHosted(ctx context.Context, epoch uint64, segmentID, text string, settings models.Settings) {
	first := settings.NarrationProvider
	voice := settings.Voice(first)
	fp := audioFingerprint(text, first, voice.VoiceID)
	log := n.logger.With(zap.String("segmentID", segmentID), zap.String("provider", string(first)))

	if n.cache != nil {
		if _, ok := n.cache.Get(ctx, fp); ok {
			log.Debug("Narration served from cache")
			n.ready(epoch, segmentID, first, fp.Key())
			return
		}
	}

	data, servedBy, err := n.synthesize(ctx, text, first, settings)
	if err != nil {
		log.Warn("Narration failed", zap.Error(err))
		n.fail(epoch, segmentID, err)
		return
	}
	if n.cache != nil {
		n.cache.Put(ctx, fp, text, data)
	}
	n.ready(epoch, segmentID, servedBy, fp.Key())
}

// synthesize вызывает выбранного провайдера; при исчерпании квоты повторяет
// ту же фразу через второй хостинговый провайдер.
func (n *Narrator) synthesize(ctx context.Context, text string, first models.NarrationProvider, settings models.Settings) ([]byte, models.NarrationProvider, error) {
	data, err := n.callHosted(ctx, first, text, settings.Voice(first))
	if err == nil {
		return data, first, nil
	}
	if models.KindOf(err) != models.KindQuota {
		return nil, first, err
	}
	second := otherHosted(first)
	if sp, ok := n.hosted[second]; !ok || !sp.Configured(settings.Voice(second)) {
		return nil, first, err
	}
	n.logger.Warn("Narration quota exceeded, switching provider",
		zap.String("from", string(first)), zap.String("to", string(second)))
	data, err2 := n.callHosted(ctx, second, text, settings.Voice(second))
	if err2 != nil {
		return nil, second, errors.Join(err, err2)
	}
	return data, second, nil
}

func (n *Narrator) callHosted(ctx context.Context, p models.NarrationProvider, text string, voice models.VoiceSettings) ([]byte, error) {
	sp, ok := n.hosted[p]
	if !ok {
		return nil, models.NewProviderError(string(p), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	return sp.Synthesize(ctx, text, voice)
}

func (n *Narrator) playBuiltin(ctx context.Context, epoch uint64, segmentID, text string, settings models.Settings) {
	if n.builtin == nil {
		n.fail(epoch, segmentID, models.NewProviderError(string(models.NarrationBuiltin), models.KindConfiguration, models.ErrProviderNotConfigured))
		return
	}
	// Встроенный синтез воспроизводит звук сам: generating -> playing сразу.
	n.finish(epoch, func() []Event {
		ev := n.transitionLocked(StatePlaying)
		ev.Provider = models.NarrationBuiltin
		return []Event{ev}
	})
	voice := settings.Voice(models.NarrationBuiltin)
	err := n.builtin.Speak(ctx, text, voice.VoiceID, voice.Speed)
	if err != nil && ctx.Err() == nil {
		n.fail(epoch, segmentID, err)
		return
	}
	n.finish(epoch, func() []Event {
		return []Event{n.stopLocked()}
	})
}

func (n *Narrator) ready(epoch uint64, segmentID string, p models.NarrationProvider, audioRef string) {
	n.finish(epoch, func() []Event {
		state := n.transitionLocked(StatePlaying)
		return []Event{
			{Type: EventAudio, SegmentID: segmentID, State: StatePlaying, Provider: p, AudioRef: audioRef},
			state,
		}
	})
}

func (n *Narrator) fail(epoch uint64, segmentID string, err error) {
	n.finish(epoch, func() []Event {
		msg := "Narration is unavailable right now."
		if models.KindOf(err) == models.KindQuota {
			msg = "Narration has reached its usage limit. Try the built-in voice in settings."
		}
		return []Event{
			{Type: EventError, SegmentID: segmentID, State: StateIdle, Message: msg},
			n.stopLocked(),
		}
	})
}

func otherHosted(p models.NarrationProvider) models.NarrationProvider {
	if p == models.NarrationOpenAI {
		return models.NarrationElevenLabs
	}
	return models.NarrationOpenAI
}

// audioFingerprint - ключ кеша аудио: (текст, голос, фиксированная скорость, провайдер).
func audioFingerprint(text string, p models.NarrationProvider, voiceID string) cache.Fingerprint {
	return cache.NewFingerprint(text, string(p)+"/"+voiceID, speedSentinel, models.MediaAudio)
}
