package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parable-server/internal/media"
	"parable-server/internal/messaging"
	"parable-server/internal/models"
	"parable-server/internal/narrative"
	"parable-server/internal/storage"
	"parable-server/internal/taskmanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testKey = models.SessionKey{StoryID: "prodigal", UserID: "u1"}

const testCatalog = `
stories:
  - id: prodigal
    title: The Prodigal Son
    opening_prompt: Begin at the father's farm.
  - id: lost-coin
    title: The Lost Coin
    opening_prompt: Begin in a dark house.
zones:
  - name: Far Country
    keywords: [city, tavern]
    description: a loud foreign city
`

// scriptedGenerator возвращает заранее заданные результаты по порядку.
type scriptedGenerator struct {
	mu       sync.Mutex
	results  []models.NarrativeResult
	requests []narrative.Request
	calls    atomic.Int32

	gate    chan struct{} // если задан, NextSegment ждет его закрытия
	entered chan struct{}

	answer    string
	answerErr error
}

func (g *scriptedGenerator) NextSegment(ctx context.Context, req narrative.Request) models.NarrativeResult {
	g.calls.Add(1)
	g.mu.Lock()
	g.requests = append(g.requests, req)
	var res models.NarrativeResult
	if len(g.results) > 0 {
		res = g.results[0]
		g.results = g.results[1:]
	} else {
		res = scene("More story", false)
	}
	gate, entered := g.gate, g.entered
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return res
}

func (g *scriptedGenerator) Answer(context.Context, narrative.Request) (string, error) {
	return g.answer, g.answerErr
}

func (g *scriptedGenerator) lastRequest() narrative.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

// gatedResolver отдает медиа по сегменту, когда тест разрешит.
type gatedResolver struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started chan string
	clip    bool
	cached  bool // клип отдается из кеша, без генерации
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{gates: make(map[string]chan struct{}), started: make(chan string, 16)}
}

func (r *gatedResolver) gate(segmentID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[segmentID]
	if !ok {
		g = make(chan struct{})
		r.gates[segmentID] = g
	}
	return g
}

func (r *gatedResolver) release(segmentID string) { close(r.gate(segmentID)) }

func (r *gatedResolver) Resolve(ctx context.Context, req media.Request) media.Result {
	r.started <- req.SegmentID
	select {
	case <-r.gate(req.SegmentID):
	case <-ctx.Done():
	}
	res := media.Result{SegmentID: req.SegmentID, ImageRef: "image:" + req.SegmentID, Tier: "primary"}
	if r.clip {
		res.ImageRef = ""
		res.ClipRef = "clip:" + req.SegmentID
		res.ClipGenerated = !r.cached
	}
	return res
}

func (r *gatedResolver) ShouldAttemptClip(media.Request) bool { return r.clip }

type instantResolver struct{}

func (instantResolver) Resolve(_ context.Context, req media.Request) media.Result {
	return media.Result{SegmentID: req.SegmentID, ImageRef: "image:" + req.SegmentID}
}

type eventLog struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (l *eventLog) Notify(_ context.Context, ev messaging.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) count(t messaging.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func scene(text string, complete bool, choices ...string) models.NarrativeResult {
	if len(choices) == 0 && !complete {
		choices = []string{"Go on"}
	}
	return models.NarrativeResult{
		Narrative:   text,
		MediaPrompt: "a scene: " + text,
		Choices:     choices,
		Lessons:     []string{},
		IsComplete:  complete,
	}
}

type fixture struct {
	orch   *Orchestrator
	gen    *scriptedGenerator
	kv     *storage.MemoryKV
	store  *storage.Store
	tasks  *taskmanager.TaskManager
	events *eventLog
}

func newFixture(t *testing.T, gen *scriptedGenerator, resolver MediaResolver) *fixture {
	t.Helper()
	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	kv := storage.NewMemoryKV()
	store := storage.NewStore(kv, storage.Options{}, zap.NewNop())
	tasks := taskmanager.New(taskmanager.Config{}, zap.NewNop())
	t.Cleanup(tasks.Close)
	events := &eventLog{}
	orch := NewOrchestrator(gen, resolver, store, catalog, tasks, events, Config{ClipUsageWindow: 24 * time.Hour}, zap.NewNop())
	return &fixture{orch: orch, gen: gen, kv: kv, store: store, tasks: tasks, events: events}
}

func TestOrchestrator_StartCreatesOpeningSegment(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Ask for inheritance", "Stay")}}
	f := newFixture(t, gen, nil)

	sess, err := f.orch.Start(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, sess.Segments, 1)
	assert.Equal(t, models.SegmentNarrator, sess.Segments[0].Kind)
	assert.Equal(t, []string{"Ask for inheritance", "Stay"}, sess.Choices)
	assert.Equal(t, "Begin at the father's farm.", gen.lastRequest().Prompt)
	assert.Len(t, sess.StoryHistory, 2)

	persisted, err := f.store.LoadSession(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, sess.Segments[0].ID, persisted.Segments[0].ID)

	// Повторный Start возвращает существующую сессию без нового хода.
	again, err := f.orch.Start(context.Background(), testKey)
	require.NoError(t, err)
	assert.Len(t, again.Segments, 1)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestOrchestrator_StartRejectsUnknownStory(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, nil)
	_, err := f.orch.Start(context.Background(), models.SessionKey{StoryID: "missing", UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.orch.Start(context.Background(), models.SessionKey{StoryID: "prodigal"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestOrchestrator_ChooseAppendsUserAndNarratorSegments(t *testing.T) {
	loc := "a tavern in the city"
	next := scene("You spend it all", false, "Return home")
	next.Lessons = []string{"Wealth fades"}
	next.LocationHint = &loc
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Leave"), next}}
	f := newFixture(t, gen, nil)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)

	_, err = f.orch.Choose(ctx, testKey, "Dance")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	sess, err := f.orch.Choose(ctx, testKey, "Leave")
	require.NoError(t, err)

	kinds := make([]models.SegmentKind, 0, len(sess.Segments))
	for _, s := range sess.Segments {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []models.SegmentKind{models.SegmentNarrator, models.SegmentUser, models.SegmentNarrator, models.SegmentLesson}, kinds)
	assert.Equal(t, 1, sess.UserChoiceCount)
	assert.Equal(t, []string{"Return home"}, sess.Choices)
	assert.Equal(t, "Far Country: a loud foreign city", sess.CurrentEnvironment)
	assert.Equal(t, []string{"Wealth fades"}, sess.Lessons())
	assert.Contains(t, gen.lastRequest().Prompt, `"Leave"`)
	assert.Equal(t, 2, f.events.count(messaging.EventSegmentAdded))
}

func TestOrchestrator_ChooseIsNotReentrant(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Leave")}}
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)

	gen.mu.Lock()
	gen.gate = make(chan struct{})
	gen.entered = make(chan struct{}, 1)
	gen.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Choose(ctx, testKey, "Leave")
		done <- err
	}()
	<-gen.entered

	snap, err := f.orch.Choose(ctx, testKey, "Leave")
	assert.ErrorIs(t, err, models.ErrTurnInProgress)
	assert.Equal(t, 1, snap.UserChoiceCount)
	_, err = f.orch.Ask(ctx, testKey, "Why?")
	assert.ErrorIs(t, err, models.ErrTurnInProgress)

	close(gen.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestOrchestrator_DegradedResultStaysOutOfHistory(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{
		scene("At the farm", false, "Leave"),
		narrative.Degraded(models.KindTransient),
		scene("You leave at dawn", false, "Walk on"),
	}}
	f := newFixture(t, gen, instantResolver{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	sess, err := f.orch.Choose(ctx, testKey, "Leave")
	require.NoError(t, err)

	last := sess.Segments[len(sess.Segments)-1]
	assert.True(t, last.Degraded)
	assert.False(t, last.ImageLoading)
	assert.Equal(t, []string{narrative.RetryChoice}, sess.Choices)
	assert.Len(t, sess.StoryHistory, 2)
	for _, h := range sess.StoryHistory {
		assert.NotEqual(t, narrative.DegradedNarrative, h.Content)
	}
	failedPrompt := gen.lastRequest().Prompt

	sess, err = f.orch.Choose(ctx, testKey, narrative.RetryChoice)
	require.NoError(t, err)
	assert.Equal(t, failedPrompt, gen.lastRequest().Prompt)
	assert.Equal(t, 1, sess.UserChoiceCount)
	require.Len(t, sess.StoryHistory, 4)
	assert.Equal(t, failedPrompt, sess.StoryHistory[2].Content)
	assert.Equal(t, "You leave at dawn", sess.StoryHistory[3].Content)
}

func TestOrchestrator_MediaIsCorrelatedBySegment(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{
		scene("First", false, "Next"),
		scene("Second", false, "Next"),
	}}
	resolver := newGatedResolver()
	f := newFixture(t, gen, resolver)
	ctx := context.Background()

	first, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	firstID := first.Segments[0].ID
	assert.True(t, first.Segments[0].ImageLoading)
	require.Equal(t, firstID, <-resolver.started)

	// Пока задача выполняется, флаг загрузки сохраняется.
	persisted, err := f.store.LoadSession(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, persisted.Segments[0].ImageLoading)

	second, err := f.orch.Choose(ctx, testKey, "Next")
	require.NoError(t, err)
	secondID := second.Segments[len(second.Segments)-1].ID
	require.Equal(t, secondID, <-resolver.started)

	// Второй результат приходит первым.
	resolver.release(secondID)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(secondID) }, 2*time.Second, 5*time.Millisecond)
	resolver.release(firstID)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(firstID) }, 2*time.Second, 5*time.Millisecond)

	snap, err := f.orch.Snapshot(ctx, testKey)
	require.NoError(t, err)
	for _, seg := range snap.Segments {
		if seg.Kind != models.SegmentNarrator {
			continue
		}
		assert.Equal(t, "image:"+seg.ID, seg.ImageRef)
		assert.False(t, seg.ImageLoading)
	}
	assert.Equal(t, 2, f.events.count(messaging.EventMediaResolved))
}

func TestOrchestrator_ClipCountsTowardUsage(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("First", false, "Next")}}
	resolver := newGatedResolver()
	resolver.clip = true
	f := newFixture(t, gen, resolver)
	ctx := context.Background()

	sess, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	id := sess.Segments[0].ID
	<-resolver.started
	resolver.release(id)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(id) }, 2*time.Second, 5*time.Millisecond)

	snap, err := f.orch.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ClipCount)
	assert.Equal(t, "clip:"+id, snap.Segments[0].ClipRef)

	settings, err := f.store.LoadSettings(ctx, testKey.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, settings.ClipUsage.Current(time.Now(), 24*time.Hour))
}

func TestOrchestrator_ClipPendingIsFlaggedAtLaunch(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("First", false, "Next")}}
	resolver := newGatedResolver()
	resolver.clip = true
	f := newFixture(t, gen, resolver)
	ctx := context.Background()

	sess, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	seg := sess.Segments[0]
	assert.True(t, seg.ClipLoading)
	assert.False(t, seg.ImageLoading)
	<-resolver.started

	persisted, err := f.store.LoadSession(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, persisted.Segments[0].ClipLoading)

	resolver.release(seg.ID)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(seg.ID) }, 2*time.Second, 5*time.Millisecond)
	snap, err := f.orch.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, snap.Segments[0].ClipLoading)
}

func TestOrchestrator_CachedClipCountsTowardStoryButNotUsage(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("First", false, "Next")}}
	resolver := newGatedResolver()
	resolver.clip = true
	resolver.cached = true
	f := newFixture(t, gen, resolver)
	ctx := context.Background()

	sess, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	id := sess.Segments[0].ID
	<-resolver.started
	resolver.release(id)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(id) }, 2*time.Second, 5*time.Millisecond)

	snap, err := f.orch.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ClipCount)

	settings, err := f.store.LoadSettings(ctx, testKey.UserID)
	require.NoError(t, err)
	assert.Zero(t, settings.ClipUsage.Current(time.Now(), 24*time.Hour))
}

func TestOrchestrator_MediaAfterResetDoesNotRestoreSession(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("First", false, "Next")}}
	resolver := newGatedResolver()
	f := newFixture(t, gen, resolver)
	ctx := context.Background()

	sess, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	id := sess.Segments[0].ID
	<-resolver.started
	f.orch.mu.Lock()
	orphan := f.orch.sessions[testKey]
	f.orch.mu.Unlock()
	require.NotNil(t, orphan)

	require.NoError(t, f.orch.Reset(ctx, testKey))
	// Запись через отвязанное состояние не возвращает сессию в хранилище.
	f.orch.update(ctx, orphan, func(s models.Session) models.Session { return s })
	_, err = f.store.LoadSession(ctx, testKey)
	require.ErrorIs(t, err, models.ErrNotFound)

	resolver.release(id)
	require.Eventually(t, func() bool { return !f.tasks.InFlight(id) }, 2*time.Second, 5*time.Millisecond)

	_, err = f.store.LoadSession(ctx, testKey)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, f.events.count(messaging.EventMediaResolved))
}

func TestOrchestrator_CompletionLocksSession(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{
		scene("At the farm", false, "Go home"),
		scene("The father runs to meet you", true),
	}}
	f := newFixture(t, gen, nil)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)
	sess, err := f.orch.Choose(ctx, testKey, "Go home")
	require.NoError(t, err)
	assert.True(t, sess.IsCompleted)
	require.NotNil(t, sess.CompletionDate)
	assert.Equal(t, 1, f.events.count(messaging.EventStoryComplete))

	_, err = f.orch.Choose(ctx, testKey, "Go home")
	assert.ErrorIs(t, err, models.ErrSessionCompleted)
}

func TestOrchestrator_AskDoesNotTouchHistory(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Leave")}, answer: "Because he was young."}
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)

	sess, err := f.orch.Ask(ctx, testKey, "Why did he leave?")
	require.NoError(t, err)
	require.Len(t, sess.Segments, 3)
	assert.Equal(t, models.SegmentQuestion, sess.Segments[1].Kind)
	assert.Equal(t, "Because he was young.", sess.Segments[2].Text)
	assert.Len(t, sess.StoryHistory, 2)
	assert.Equal(t, []string{"Leave"}, sess.Choices)

	gen.answerErr = errors.New("boom")
	sess, err = f.orch.Ask(ctx, testKey, "And then?")
	require.NoError(t, err)
	last := sess.Segments[len(sess.Segments)-1]
	assert.Equal(t, AnswerUnavailable, last.Text)
	assert.True(t, last.Degraded)

	_, err = f.orch.Ask(ctx, testKey, "  ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestOrchestrator_ResetForgetsSession(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Leave")}}
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	_, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)

	require.NoError(t, f.orch.Reset(ctx, testKey))
	_, err = f.orch.Snapshot(ctx, testKey)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Сброс несуществующей сессии не ошибка.
	require.NoError(t, f.orch.Reset(ctx, testKey))
}

func TestOrchestrator_ResumesPersistedSession(t *testing.T) {
	gen := &scriptedGenerator{results: []models.NarrativeResult{scene("At the farm", false, "Leave")}}
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	started, err := f.orch.Start(ctx, testKey)
	require.NoError(t, err)

	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	restarted := NewOrchestrator(gen, nil, storage.NewStore(f.kv, storage.Options{}, zap.NewNop()), catalog, f.tasks, nil, Config{}, zap.NewNop())
	sess, err := restarted.Start(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, started.Segments[0].ID, sess.Segments[0].ID)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestOrchestrator_ApplySettingsNotifiesListeners(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, nil)
	ctx := context.Background()

	var got models.Settings
	f.orch.OnSettingsChanged(func(userID string, s models.Settings) {
		assert.Equal(t, "u1", userID)
		got = s
	})
	in := models.DefaultSettings().WithNarrationProvider(models.NarrationOpenAI)
	_, err := f.orch.ApplySettings(ctx, "u1", in)
	require.NoError(t, err)
	assert.Equal(t, models.NarrationOpenAI, got.NarrationProvider)

	loaded, err := f.orch.Settings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.NarrationOpenAI, loaded.NarrationProvider)

	_, err = f.orch.ApplySettings(ctx, "", in)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
