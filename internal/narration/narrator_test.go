package narration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSpeech struct {
	provider models.NarrationProvider
	payload  []byte
	err      error
	calls    atomic.Int32
}

func (f *fakeSpeech) Provider() models.NarrationProvider   { return f.provider }
func (f *fakeSpeech) Configured(models.VoiceSettings) bool { return true }
func (f *fakeSpeech) Synthesize(context.Context, string, models.VoiceSettings) ([]byte, error) {
	f.calls.Add(1)
	return f.payload, f.err
}

// blockingSynth говорит, пока не отменят контекст или не закроют release.
type blockingSynth struct {
	mu       sync.Mutex
	started  []string
	canceled []string
	release  chan struct{}
}

func (b *blockingSynth) Speak(ctx context.Context, text, _ string, _ float64) error {
	b.mu.Lock()
	b.started = append(b.started, text)
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		b.mu.Lock()
		b.canceled = append(b.canceled, text)
		b.mu.Unlock()
		return ctx.Err()
	case <-b.release:
		return nil
	}
}

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) listen(ev Event) { r.ch <- ev }

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for narration event")
			return Event{}
		}
	}
}

func hostedSettings(p models.NarrationProvider) models.Settings {
	return models.DefaultSettings().WithNarrationProvider(p)
}

func TestNarrator_HostedUsesCache(t *testing.T) {
	openai := &fakeSpeech{provider: models.NarrationOpenAI, payload: []byte("mp3")}
	c := cache.New(cache.NewMemoryStore(), nil, zap.NewNop())
	rec := newRecorder()
	n := NewNarrator([]Speech{openai}, nil, c, hostedSettings(models.NarrationOpenAI), Config{}, rec.listen, zap.NewNop())
	defer n.Close()

	require.NoError(t, n.Play(context.Background(), "seg-1", "In the beginning"))
	first := rec.waitFor(t, func(e Event) bool { return e.Type == EventAudio })
	assert.Equal(t, models.NarrationOpenAI, first.Provider)
	assert.Equal(t, StatePlaying, n.Status().State)

	require.NoError(t, n.Ended("seg-1"))
	assert.Equal(t, StateIdle, n.Status().State)

	require.NoError(t, n.Play(context.Background(), "seg-2", "  in the BEGINNING "))
	second := rec.waitFor(t, func(e Event) bool { return e.Type == EventAudio })
	assert.Equal(t, first.AudioRef, second.AudioRef)
	assert.Equal(t, int32(1), openai.calls.Load())
}

func TestNarrator_QuotaFallsBackToOtherHostedProvider(t *testing.T) {
	openai := &fakeSpeech{provider: models.NarrationOpenAI, err: models.NewProviderError("openai", models.KindQuota, errors.New("insufficient_quota"))}
	eleven := &fakeSpeech{provider: models.NarrationElevenLabs, payload: []byte("mpeg")}
	c := cache.New(cache.NewMemoryStore(), nil, zap.NewNop())
	rec := newRecorder()
	n := NewNarrator([]Speech{openai, eleven}, nil, c, hostedSettings(models.NarrationOpenAI), Config{}, rec.listen, zap.NewNop())
	defer n.Close()

	require.NoError(t, n.Play(context.Background(), "seg-1", "Let there be light"))
	ev := rec.waitFor(t, func(e Event) bool { return e.Type == EventAudio })

	assert.Equal(t, models.NarrationElevenLabs, ev.Provider)
	voice := models.DefaultSettings().Voice(models.NarrationOpenAI).VoiceID
	assert.Equal(t, audioFingerprint("Let there be light", models.NarrationOpenAI, voice).Key(), ev.AudioRef)
	data, ok := c.Get(context.Background(), audioFingerprint("Let there be light", models.NarrationOpenAI, voice))
	require.True(t, ok)
	assert.Equal(t, []byte("mpeg"), data)
}

func TestNarrator_OtherErrorsReturnToIdle(t *testing.T) {
	openai := &fakeSpeech{provider: models.NarrationOpenAI, err: models.NewProviderError("openai", models.KindConfiguration, errors.New("bad key"))}
	eleven := &fakeSpeech{provider: models.NarrationElevenLabs, payload: []byte("mpeg")}
	rec := newRecorder()
	n := NewNarrator([]Speech{openai, eleven}, nil, nil, hostedSettings(models.NarrationOpenAI), Config{}, rec.listen, zap.NewNop())
	defer n.Close()

	require.NoError(t, n.Play(context.Background(), "seg-1", "text"))
	ev := rec.waitFor(t, func(e Event) bool { return e.Type == EventError })
	assert.Equal(t, "seg-1", ev.SegmentID)
	rec.waitFor(t, func(e Event) bool { return e.Type == EventState && e.State == StateIdle })
	assert.Equal(t, StateIdle, n.Status().State)
	assert.Equal(t, int32(0), eleven.calls.Load())
}

func TestNarrator_NewSegmentForceStopsActive(t *testing.T) {
	synth := &blockingSynth{release: make(chan struct{})}
	rec := newRecorder()
	n := NewNarrator(nil, synth, nil, models.DefaultSettings(), Config{}, rec.listen, zap.NewNop())
	defer n.Close()

	require.NoError(t, n.Play(context.Background(), "seg-1", "first"))
	rec.waitFor(t, func(e Event) bool { return e.State == StatePlaying && e.SegmentID == "seg-1" })

	require.NoError(t, n.Play(context.Background(), "seg-2", "second"))
	rec.waitFor(t, func(e Event) bool { return e.State == StatePlaying && e.SegmentID == "seg-2" })

	assert.Equal(t, Status{State: StatePlaying, SegmentID: "seg-2"}, n.Status())
	assert.Eventually(t, func() bool {
		synth.mu.Lock()
		defer synth.mu.Unlock()
		return len(synth.canceled) == 1 && synth.canceled[0] == "first"
	}, time.Second, 5*time.Millisecond)

	close(synth.release)
	rec.waitFor(t, func(e Event) bool { return e.State == StateIdle && e.SegmentID == "seg-2" })
	assert.Equal(t, StateIdle, n.Status().State)
}

func TestNarrator_PauseResume(t *testing.T) {
	openai := &fakeSpeech{provider: models.NarrationOpenAI, payload: []byte("mp3")}
	rec := newRecorder()
	n := NewNarrator([]Speech{openai}, nil, nil, hostedSettings(models.NarrationOpenAI), Config{}, rec.listen, zap.NewNop())
	defer n.Close()

	assert.ErrorIs(t, n.Pause("seg-1"), models.ErrNarrationBusy)

	require.NoError(t, n.Play(context.Background(), "seg-1", "text"))
	rec.waitFor(t, func(e Event) bool { return e.Type == EventAudio })

	require.NoError(t, n.Pause("seg-1"))
	assert.Equal(t, StatePaused, n.Status().State)
	assert.ErrorIs(t, n.Pause("seg-1"), models.ErrNarrationBusy)
	assert.ErrorIs(t, n.Resume("other"), models.ErrNarrationBusy)
	require.NoError(t, n.Resume("seg-1"))
	assert.Equal(t, StatePlaying, n.Status().State)

	n.Stop()
	assert.Equal(t, Status{State: StateIdle}, n.Status())
}

func TestNarrator_PlayValidatesInput(t *testing.T) {
	n := NewNarrator(nil, nil, nil, models.DefaultSettings(), Config{}, nil, zap.NewNop())
	assert.ErrorIs(t, n.Play(context.Background(), "seg", "   "), models.ErrInvalidInput)
}
