// Package session - цикл ходов интерактивной истории: выбор пользователя, запрос
// следующего сегмента, фоновая генерация медиа и сохранение после каждого изменения.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"parable-server/internal/media"
	"parable-server/internal/messaging"
	"parable-server/internal/models"
	"parable-server/internal/narrative"
	"parable-server/internal/storage"
	"parable-server/internal/taskmanager"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parable_turns_total",
			Help: "Story turns by outcome (ok, degraded, rejected).",
		},
		[]string{"outcome"},
	)
	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parable_turn_duration_seconds",
			Help:    "Duration of the blocking part of a story turn.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// AnswerUnavailable - текст ответа, если на вопрос ответить не удалось.
const AnswerUnavailable = "I could not answer that just now. Please ask again in a moment."

// NarrativeGenerator - источник сегментов истории.
type NarrativeGenerator interface {
	NextSegment(ctx context.Context, req narrative.Request) models.NarrativeResult
	Answer(ctx context.Context, req narrative.Request) (string, error)
}

// MediaResolver получает медиа для сегмента.
type MediaResolver interface {
	Resolve(ctx context.Context, req media.Request) media.Result
}

// clipPlanner - резолвер, который заранее сообщает, пойдет ли запрос в клип.
type clipPlanner interface {
	ShouldAttemptClip(req media.Request) bool
}

// Store - персистентность сессий и настроек.
type Store interface {
	SaveSession(ctx context.Context, sess models.Session) (storage.SaveTier, error)
	LoadSession(ctx context.Context, key models.SessionKey) (*models.Session, error)
	DeleteSession(ctx context.Context, key models.SessionKey) error
	SaveSettings(ctx context.Context, userID string, settings models.Settings) error
	LoadSettings(ctx context.Context, userID string) (models.Settings, error)
}

// SettingsListener получает настройки пользователя после явного изменения.
type SettingsListener func(userID string, settings models.Settings)

// Config - параметры оркестратора.
type Config struct {
	ClipUsageWindow time.Duration
}

// sessionState - состояние одной сессии в памяти. snapshot заменяется целиком
// (copy-on-write), поэтому читатели никогда не видят частичных изменений.
type sessionState struct {
	mu       sync.Mutex
	snapshot models.Session
	turning  bool
	detached bool // Сессия сброшена: изменения больше не сохраняются
}

// Orchestrator ведет сессии: ход, вопросы, сброс, медиа в фоне.
type Orchestrator struct {
	narrative NarrativeGenerator
	media     MediaResolver
	store     Store
	stories   StoryProvider
	catalog   *Catalog
	tasks     *taskmanager.TaskManager
	notifier  messaging.Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[models.SessionKey]*sessionState

	settingsMu        sync.Mutex
	settings          map[string]models.Settings
	settingsListeners []SettingsListener
}

// NewOrchestrator создает оркестратор. notifier может быть nil.
func NewOrchestrator(
	gen NarrativeGenerator,
	resolver MediaResolver,
	store Store,
	catalog *Catalog,
	tasks *taskmanager.TaskManager,
	notifier messaging.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = messaging.NopNotifier{}
	}
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &Orchestrator{
		narrative: gen,
		media:     resolver,
		store:     store,
		stories:   catalog,
		catalog:   catalog,
		tasks:     tasks,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.Named("SessionOrchestrator"),
		now:       time.Now,
		sessions:  make(map[models.SessionKey]*sessionState),
		settings:  make(map[string]models.Settings),
	}
}

// OnSettingsChanged регистрирует получателя новых настроек.
func (o *Orchestrator) OnSettingsChanged(l SettingsListener) {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	o.settingsListeners = append(o.settingsListeners, l)
}

// Stories возвращает истории каталога.
func (o *Orchestrator) Stories() []Story {
	return append([]Story(nil), o.catalog.Stories...)
}

// Start начинает историю или возвращает сохраненную. Новая сессия сразу
// получает первый сегмент по вступительному промпту истории.
func (o *Orchestrator) Start(ctx context.Context, key models.SessionKey) (models.Session, error) {
	if err := validateKey(key); err != nil {
		return models.Session{}, err
	}
	story, err := o.stories.Story(key.StoryID)
	if err != nil {
		return models.Session{}, err
	}
	st, err := o.state(ctx, key, true)
	if err != nil {
		return models.Session{}, err
	}

	snap, err := o.beginTurn(st)
	if err != nil {
		return snap, err
	}
	defer o.endTurn(st)
	if len(snap.Segments) > 0 {
		return snap, nil
	}
	return o.runTurn(ctx, st, story, "", openingPrompt(story)), nil
}

// Choose применяет выбор пользователя и возвращает сессию с новым сегментом.
// Повторный вызов во время незавершенного хода ничего не меняет и возвращает
// текущий снимок с ErrTurnInProgress.
func (o *Orchestrator) Choose(ctx context.Context, key models.SessionKey, choice string) (models.Session, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return models.Session{}, fmt.Errorf("%w: empty choice", models.ErrInvalidInput)
	}
	story, err := o.stories.Story(key.StoryID)
	if err != nil {
		return models.Session{}, err
	}
	st, err := o.state(ctx, key, false)
	if err != nil {
		return models.Session{}, err
	}

	snap, err := o.beginTurn(st)
	if err != nil {
		turnsTotal.WithLabelValues("rejected").Inc()
		return snap, err
	}
	defer o.endTurn(st)

	if snap.IsCompleted {
		return snap, models.ErrSessionCompleted
	}
	if !slices.Contains(snap.Choices, choice) {
		return snap, fmt.Errorf("%w: %q is not an offered choice", models.ErrInvalidInput, choice)
	}

	if isRetry(snap, choice) {
		o.logger.Info("Retrying failed turn", zap.String("session", key.String()))
		return o.runTurn(ctx, st, story, "", retryPrompt(snap, story)), nil
	}
	return o.runTurn(ctx, st, story, choice, choicePrompt(choice, snap.CurrentEnvironment)), nil
}

// Ask задает свободный вопрос в контексте истории. Вопрос и ответ становятся
// сегментами, но не попадают в историю генерации.
func (o *Orchestrator) Ask(ctx context.Context, key models.SessionKey, question string) (models.Session, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Session{}, fmt.Errorf("%w: empty question", models.ErrInvalidInput)
	}
	story, err := o.stories.Story(key.StoryID)
	if err != nil {
		return models.Session{}, err
	}
	st, err := o.state(ctx, key, false)
	if err != nil {
		return models.Session{}, err
	}
	snap, err := o.beginTurn(st)
	if err != nil {
		return snap, err
	}
	defer o.endTurn(st)

	answer, err := o.narrative.Answer(ctx, narrative.Request{
		System:  systemPrompt(story) + "\n\n" + questionFormat,
		History: snap.StoryHistory,
		Prompt:  question,
	})
	degraded := false
	if err != nil {
		o.logger.Warn("Question could not be answered", zap.String("session", key.String()), zap.Error(err))
		answer = AnswerUnavailable
		degraded = true
	}

	now := o.now()
	out := o.update(ctx, st, func(s models.Session) models.Session {
		s.Segments = append(s.Segments,
			models.Segment{ID: uuid.NewString(), Kind: models.SegmentQuestion, Text: question, CreatedAt: now},
			models.Segment{ID: uuid.NewString(), Kind: models.SegmentAnswer, Text: answer, Degraded: degraded, CreatedAt: now},
		)
		s.LastUpdated = now
		return s
	})
	o.notify(ctx, messaging.NewEvent(messaging.EventSegmentAdded, key, out.Segments[len(out.Segments)-1].ID, nil))
	return out, nil
}

// Reset удаляет сессию. Результаты медиа-задач для удаленных сегментов будут отброшены.
func (o *Orchestrator) Reset(ctx context.Context, key models.SessionKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	o.mu.Lock()
	st, ok := o.sessions[key]
	if ok {
		st.mu.Lock()
		if st.turning {
			st.mu.Unlock()
			o.mu.Unlock()
			return models.ErrTurnInProgress
		}
		delete(o.sessions, key)
		st.detached = true
		st.mu.Unlock()
	}
	o.mu.Unlock()

	if err := o.store.DeleteSession(ctx, key); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	o.logger.Info("Session reset", zap.String("session", key.String()))
	return nil
}

// Snapshot возвращает текущее состояние сессии.
func (o *Orchestrator) Snapshot(ctx context.Context, key models.SessionKey) (models.Session, error) {
	st, err := o.state(ctx, key, false)
	if err != nil {
		return models.Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot.Clone(), nil
}

// Lessons возвращает собранные уроки сессии.
func (o *Orchestrator) Lessons(ctx context.Context, key models.SessionKey) ([]string, error) {
	snap, err := o.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	lessons := snap.Lessons()
	if lessons == nil {
		lessons = []string{}
	}
	return lessons, nil
}

// Settings возвращает настройки пользователя.
func (o *Orchestrator) Settings(ctx context.Context, userID string) (models.Settings, error) {
	o.settingsMu.Lock()
	s, ok := o.settings[userID]
	o.settingsMu.Unlock()
	if ok {
		return s, nil
	}
	s, err := o.store.LoadSettings(ctx, userID)
	if err != nil {
		o.logger.Warn("Failed to load settings, using defaults", zap.String("userID", userID), zap.Error(err))
		return models.DefaultSettings(), nil
	}
	o.settingsMu.Lock()
	if cached, ok := o.settings[userID]; ok {
		s = cached
	} else {
		o.settings[userID] = s
	}
	o.settingsMu.Unlock()
	return s, nil
}

// ApplySettings сохраняет новые настройки и рассылает их подписчикам
// (явное событие "настройки изменены").
func (o *Orchestrator) ApplySettings(ctx context.Context, userID string, s models.Settings) (models.Settings, error) {
	if userID == "" {
		return models.Settings{}, fmt.Errorf("%w: empty user id", models.ErrInvalidInput)
	}
	s = s.MergeWithDefaults()
	if err := o.store.SaveSettings(ctx, userID, s); err != nil {
		return models.Settings{}, err
	}
	o.settingsMu.Lock()
	o.settings[userID] = s
	listeners := append([]SettingsListener(nil), o.settingsListeners...)
	o.settingsMu.Unlock()

	for _, l := range listeners {
		l(userID, s)
	}
	return s, nil
}

// state возвращает состояние сессии из памяти или хранилища. create разрешает
// создать новую пустую сессию.
func (o *Orchestrator) state(ctx context.Context, key models.SessionKey, create bool) (*sessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.sessions[key]; ok {
		return st, nil
	}

	loaded, err := o.store.LoadSession(ctx, key)
	switch {
	case err == nil:
		loaded.Key = key
		st := &sessionState{snapshot: *loaded}
		o.sessions[key] = st
		return st, nil
	case errors.Is(err, models.ErrNotFound) && create:
		st := &sessionState{snapshot: models.NewSession(key, o.now())}
		o.sessions[key] = st
		return st, nil
	case errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, key)
	case create:
		// Нечитаемая сессия не должна блокировать историю: начинаем заново.
		o.logger.Error("Persisted session is unreadable, starting over", zap.String("session", key.String()), zap.Error(err))
		st := &sessionState{snapshot: models.NewSession(key, o.now())}
		o.sessions[key] = st
		return st, nil
	default:
		return nil, err
	}
}

// beginTurn устанавливает флаг хода. Если ход уже идет, возвращает снимок и ErrTurnInProgress.
func (o *Orchestrator) beginTurn(st *sessionState) (models.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.snapshot.Clone()
	if st.turning {
		return snap, models.ErrTurnInProgress
	}
	st.turning = true
	return snap, nil
}

func (o *Orchestrator) endTurn(st *sessionState) {
	st.mu.Lock()
	st.turning = false
	st.mu.Unlock()
}

// update - единственная точка изменения состояния: чистое преобразование применяется
// к копии снимка, новый снимок публикуется целиком и сохраняется.
func (o *Orchestrator) update(ctx context.Context, st *sessionState, fn func(models.Session) models.Session) models.Session {
	st.mu.Lock()
	next := fn(st.snapshot.Clone())
	st.snapshot = next
	out := next.Clone()
	if st.detached {
		st.mu.Unlock()
		return out
	}
	tier, err := o.store.SaveSession(ctx, next.ForPersistence(o.inFlight))
	st.mu.Unlock()

	log := o.logger.With(zap.String("session", next.Key.String()))
	switch {
	case err != nil:
		log.Error("Failed to persist session", zap.Error(err))
	case tier == storage.TierDropped:
		log.Error("Session was not persisted: storage is full")
	case tier != storage.TierVerbose:
		log.Warn("Session persisted in degraded form", zap.String("tier", string(tier)))
	}
	if err == nil {
		o.notify(ctx, messaging.NewEvent(messaging.EventSessionSaved, next.Key, "", map[string]string{"tier": string(tier)}))
	}
	return out
}

func (o *Orchestrator) inFlight(segmentID string) bool {
	return o.tasks != nil && o.tasks.InFlight(segmentID)
}

// runTurn выполняет блокирующую часть хода. choice пустой для первого хода и повтора.
func (o *Orchestrator) runTurn(ctx context.Context, st *sessionState, story Story, choice, prompt string) models.Session {
	start := time.Now()
	defer func() { turnDuration.Observe(time.Since(start).Seconds()) }()

	var snap models.Session
	if choice != "" {
		now := o.now()
		snap = o.update(ctx, st, func(s models.Session) models.Session {
			s.Segments = append(s.Segments, models.Segment{ID: uuid.NewString(), Kind: models.SegmentUser, Text: choice, CreatedAt: now})
			s.Choices = []string{}
			s.UserChoiceCount++
			s.LastUpdated = now
			return s
		})
	} else {
		st.mu.Lock()
		snap = st.snapshot.Clone()
		st.mu.Unlock()
	}
	key := snap.Key

	result := o.narrative.NextSegment(ctx, narrative.Request{
		System:  systemPrompt(story),
		History: snap.StoryHistory,
		Prompt:  prompt,
	})

	segmentID := uuid.NewString()
	environment := snap.CurrentEnvironment
	if result.LocationHint != nil {
		environment = o.catalog.ResolveEnvironment(*result.LocationHint)
	}

	// Медиа-задача запускается до публикации сегмента, чтобы флаг загрузки
	// был сохранен вместе с ним, и ждет ready, чтобы сегмент уже существовал.
	ready := make(chan struct{})
	mediaLaunched, clipPending := false, false
	if !result.Degraded {
		mediaLaunched, clipPending = o.launchMedia(ctx, st, key, ready, media.Request{
			SegmentID:   segmentID,
			Prompt:      result.MediaPrompt,
			Environment: environment,
			Important:   result.IsImportant,
			StoryClips:  snap.ClipCount,
		})
	}

	now := o.now()
	out := o.update(ctx, st, func(s models.Session) models.Session {
		s.Segments = append(s.Segments, models.Segment{
			ID:           segmentID,
			Kind:         models.SegmentNarrator,
			Text:         result.Narrative,
			MediaPrompt:  result.MediaPrompt,
			Important:    result.IsImportant,
			Degraded:     result.Degraded,
			ImageLoading: mediaLaunched && !clipPending,
			ClipLoading:  mediaLaunched && clipPending,
			CreatedAt:    now,
		})
		if len(result.Lessons) > 0 {
			s.Segments = append(s.Segments, models.Segment{
				ID:        uuid.NewString(),
				Kind:      models.SegmentLesson,
				Lessons:   append([]string(nil), result.Lessons...),
				CreatedAt: now,
			})
		}
		s.Choices = append([]string{}, result.Choices...)
		if !result.Degraded {
			// Деградированные ответы в контекст генерации не попадают.
			s.StoryHistory = append(s.StoryHistory,
				models.HistoryEntry{Role: models.HistoryRoleUser, Content: prompt},
				models.HistoryEntry{Role: models.HistoryRoleAssistant, Content: result.Narrative},
			)
			s.CurrentEnvironment = environment
		}
		if result.IsComplete && !result.Degraded {
			s.IsCompleted = true
			s.CompletionDate = &now
		}
		s.LastUpdated = now
		return s
	})
	close(ready)

	outcome := "ok"
	if result.Degraded {
		outcome = "degraded"
	}
	turnsTotal.WithLabelValues(outcome).Inc()
	o.logger.Info("Turn completed",
		zap.String("session", key.String()),
		zap.String("segmentID", segmentID),
		zap.Bool("degraded", result.Degraded),
		zap.Bool("complete", out.IsCompleted),
	)

	o.notify(ctx, messaging.NewEvent(messaging.EventSegmentAdded, key, segmentID, nil))
	if out.IsCompleted {
		o.notify(ctx, messaging.NewEvent(messaging.EventStoryComplete, key, segmentID, nil))
	}
	return out
}

// launchMedia ставит фоновую задачу получения медиа для сегмента segmentID.
// Результат применяется по идентификатору сегмента, а не по поиску "последнего загружаемого".
// Второе значение сообщает, что задача начнет с клипа.
func (o *Orchestrator) launchMedia(ctx context.Context, st *sessionState, key models.SessionKey, ready <-chan struct{}, req media.Request) (bool, bool) {
	if o.media == nil || o.tasks == nil {
		return false, false
	}
	settings, _ := o.Settings(ctx, key.UserID)
	req.Settings = settings
	clip := false
	if planner, ok := o.media.(clipPlanner); ok {
		clip = planner.ShouldAttemptClip(req)
	}

	_, err := o.tasks.Submit(ctx, req.SegmentID, "media", func(taskCtx context.Context) error {
		select {
		case <-ready:
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
		res := o.media.Resolve(taskCtx, req)
		o.applyMedia(taskCtx, st, key, res)
		return nil
	})
	if err != nil {
		o.logger.Warn("Media task was not started", zap.String("segmentID", req.SegmentID), zap.Error(err))
		return false, false
	}
	return true, clip
}

func (o *Orchestrator) applyMedia(ctx context.Context, st *sessionState, key models.SessionKey, res media.Result) {
	o.mu.Lock()
	current, alive := o.sessions[key]
	o.mu.Unlock()
	if !alive || current != st {
		o.logger.Info("Session was reset, dropping media result", zap.String("segmentID", res.SegmentID))
		return
	}

	applied := false
	clipGenerated := false
	o.update(ctx, st, func(s models.Session) models.Session {
		// Вызывается под st.mu: сброс между проверкой выше и этим местом виден здесь.
		if st.detached {
			return s
		}
		idx := s.SegmentIndex(res.SegmentID)
		if idx < 0 || s.Segments[idx].Kind != models.SegmentNarrator {
			return s
		}
		seg := &s.Segments[idx]
		seg.ImageRef = res.ImageRef
		seg.ClipRef = res.ClipRef
		seg.ImageLoading = false
		seg.ClipLoading = false
		// Лимит истории считает любой прикрепленный клип, платный счетчик - только сгенерированные.
		if res.ClipRef != "" {
			s.ClipCount++
			clipGenerated = res.ClipGenerated
		}
		applied = true
		return s
	})
	if !applied {
		o.logger.Warn("Segment for media result not applied", zap.String("segmentID", res.SegmentID))
		return
	}
	if clipGenerated {
		o.countClipUsage(ctx, key.UserID)
	}

	o.notify(ctx, messaging.NewEvent(messaging.EventMediaResolved, key, res.SegmentID, res))
	for _, advisory := range res.Advisories {
		o.notify(ctx, messaging.NewEvent(messaging.EventAdvisory, key, res.SegmentID, advisory))
	}
}

// countClipUsage увеличивает скользящий счетчик клипов пользователя.
func (o *Orchestrator) countClipUsage(ctx context.Context, userID string) {
	current, _ := o.Settings(ctx, userID)
	next := current.WithClipUsage(current.ClipUsage.Increment(o.now(), o.cfg.ClipUsageWindow))
	o.settingsMu.Lock()
	o.settings[userID] = next
	o.settingsMu.Unlock()
	if err := o.store.SaveSettings(ctx, userID, next); err != nil {
		o.logger.Warn("Failed to persist clip usage", zap.String("userID", userID), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, ev messaging.Event) {
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Warn("Failed to deliver session event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// isRetry - выбор "Try again" после деградированного ответа.
func isRetry(s models.Session, choice string) bool {
	if choice != narrative.RetryChoice {
		return false
	}
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if s.Segments[i].Kind == models.SegmentNarrator {
			return s.Segments[i].Degraded
		}
	}
	return false
}

// retryPrompt восстанавливает промпт неудавшегося хода.
func retryPrompt(s models.Session, story Story) string {
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if s.Segments[i].Kind == models.SegmentUser {
			return choicePrompt(s.Segments[i].Text, s.CurrentEnvironment)
		}
	}
	return openingPrompt(story)
}

func validateKey(key models.SessionKey) error {
	if strings.TrimSpace(key.StoryID) == "" || strings.TrimSpace(key.UserID) == "" {
		return fmt.Errorf("%w: story and user are required", models.ErrInvalidInput)
	}
	if strings.Contains(key.StoryID, ":") || strings.Contains(key.UserID, ":") {
		return fmt.Errorf("%w: identifiers must not contain ':'", models.ErrInvalidInput)
	}
	return nil
}
