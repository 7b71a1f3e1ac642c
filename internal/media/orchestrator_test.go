package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeImageProvider struct {
	name       string
	model      string
	configured bool
	payload    []byte
	err        error
	delay      time.Duration
	calls      atomic.Int32
}

func (f *fakeImageProvider) Name() string     { return f.name }
func (f *fakeImageProvider) Model() string    { return f.model }
func (f *fakeImageProvider) Configured() bool { return f.configured }

func (f *fakeImageProvider) GenerateImage(ctx context.Context, _, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.payload, f.err
}

type fakeClipProvider struct {
	configured bool
	payload    []byte
	err        error
	calls      atomic.Int32
}

func (f *fakeClipProvider) Name() string     { return "fake-clip" }
func (f *fakeClipProvider) Model() string    { return "animator-v1" }
func (f *fakeClipProvider) Configured() bool { return f.configured }

func (f *fakeClipProvider) GenerateClip(context.Context, string, int) ([]byte, error) {
	f.calls.Add(1)
	return f.payload, f.err
}

func newTestOrchestrator(primary, secondary ImageProvider, clips ClipProvider) (*Orchestrator, *cache.Cache) {
	c := cache.New(cache.NewMemoryStore(), nil, zap.NewNop())
	cfg := DefaultConfig()
	cfg.ImageTimeout = 50 * time.Millisecond
	return NewOrchestrator(primary, secondary, clips, c, cfg, zap.NewNop()), c
}

func clipSettings() models.Settings {
	s := models.DefaultSettings()
	s.MediaTiers.ClipsEnabled = true
	return s
}

func TestResolve_SecondaryResultCachedUnderOriginalFingerprint(t *testing.T) {
	primary := &fakeImageProvider{name: "primary", model: "p-model", configured: true, err: models.NewProviderError("primary", models.KindTransient, errors.New("down"))}
	secondary := &fakeImageProvider{name: "secondary", model: "s-model", configured: true, payload: []byte("secondary-png")}
	o, c := newTestOrchestrator(primary, secondary, nil)
	ctx := context.Background()

	res := o.Resolve(ctx, Request{SegmentID: "seg-1", Prompt: "A quiet harbor", Settings: models.DefaultSettings()})

	assert.Equal(t, "seg-1", res.SegmentID)
	assert.Equal(t, "secondary", res.Tier)
	assert.Equal(t, []string{AdvisoryImageFallback}, res.Advisories)

	original := cache.NewFingerprint("A quiet harbor", "p-model", 0, models.MediaImage)
	assert.Equal(t, original.Key(), res.ImageRef)
	data, ok := c.Get(ctx, original)
	require.True(t, ok)
	assert.Equal(t, []byte("secondary-png"), data)

	// Повтор того же запроса - попадание в кеш без обращения к провайдерам.
	again := o.Resolve(ctx, Request{SegmentID: "seg-2", Prompt: "  a quiet HARBOR ", Settings: models.DefaultSettings()})
	assert.Equal(t, "cache", again.Tier)
	assert.Equal(t, original.Key(), again.ImageRef)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), secondary.calls.Load())
}

func TestResolve_FallbackDisabledUsesPlaceholder(t *testing.T) {
	primary := &fakeImageProvider{name: "primary", model: "p", configured: true, err: errors.New("boom")}
	secondary := &fakeImageProvider{name: "secondary", model: "s", configured: true, payload: []byte("x")}
	o, _ := newTestOrchestrator(primary, secondary, nil)

	settings := models.DefaultSettings()
	settings.MediaTiers.ImageFallbackEnabled = false
	res := o.Resolve(context.Background(), Request{SegmentID: "s", Prompt: "p", Settings: settings})

	assert.Equal(t, PlaceholderRef, res.ImageRef)
	assert.Equal(t, "placeholder", res.Tier)
	assert.Equal(t, int32(0), secondary.calls.Load())
	assert.Contains(t, res.Advisories, AdvisoryImageUnavailable)
}

func TestResolve_PrimaryTimeoutFallsThrough(t *testing.T) {
	primary := &fakeImageProvider{name: "primary", model: "p", configured: true, payload: []byte("late"), delay: time.Second}
	secondary := &fakeImageProvider{name: "secondary", model: "s", configured: false}
	o, _ := newTestOrchestrator(primary, secondary, nil)

	start := time.Now()
	res := o.Resolve(context.Background(), Request{SegmentID: "s", Prompt: "slow", Settings: models.DefaultSettings()})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, PlaceholderRef, res.ImageRef)
}

func TestResolve_ClipSuccessCountsAndCaches(t *testing.T) {
	primary := &fakeImageProvider{name: "primary", model: "p", configured: true, payload: []byte("img")}
	clips := &fakeClipProvider{configured: true, payload: []byte("mp4")}
	o, _ := newTestOrchestrator(primary, nil, clips)
	req := Request{SegmentID: "s", Prompt: "The walls fall", Important: true, Settings: clipSettings()}

	res := o.Resolve(context.Background(), req)
	assert.True(t, res.ClipGenerated)
	assert.NotEmpty(t, res.ClipRef)
	assert.Empty(t, res.ImageRef)
	assert.Equal(t, int32(0), primary.calls.Load())

	cached := o.Resolve(context.Background(), req)
	assert.False(t, cached.ClipGenerated)
	assert.Equal(t, res.ClipRef, cached.ClipRef)
	assert.Equal(t, int32(1), clips.calls.Load())
}

func TestResolve_ClipFailureFallsBackToImage(t *testing.T) {
	primary := &fakeImageProvider{name: "primary", model: "p", configured: true, payload: []byte("img")}
	clips := &fakeClipProvider{configured: true, err: models.NewProviderError("fake-clip", models.KindQuota, errors.New("credits exhausted"))}
	o, _ := newTestOrchestrator(primary, nil, clips)

	res := o.Resolve(context.Background(), Request{SegmentID: "s", Prompt: "The walls fall", Important: true, Settings: clipSettings()})

	assert.False(t, res.ClipGenerated)
	assert.Equal(t, "primary", res.Tier)
	assert.NotEmpty(t, res.ImageRef)
	assert.Equal(t, []string{AdvisoryClipQuota}, res.Advisories)
}

func TestShouldAttemptClip(t *testing.T) {
	clips := &fakeClipProvider{configured: true}
	o, _ := newTestOrchestrator(&fakeImageProvider{configured: true}, nil, clips)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	base := Request{Important: true, Settings: clipSettings()}
	assert.True(t, o.ShouldAttemptClip(base))

	notImportant := base
	notImportant.Important = false
	assert.False(t, o.ShouldAttemptClip(notImportant))

	disabled := base
	disabled.Settings = models.DefaultSettings()
	assert.False(t, o.ShouldAttemptClip(disabled))

	storyCap := base
	storyCap.StoryClips = 2
	assert.False(t, o.ShouldAttemptClip(storyCap))

	overCeiling := base
	overCeiling.Settings = overCeiling.Settings.WithClipUsage(models.UsageCounter{Count: 5, WindowStart: now.Add(-time.Hour)})
	assert.False(t, o.ShouldAttemptClip(overCeiling))

	windowExpired := base
	windowExpired.Settings = windowExpired.Settings.WithClipUsage(models.UsageCounter{Count: 5, WindowStart: now.Add(-48 * time.Hour)})
	assert.True(t, o.ShouldAttemptClip(windowExpired))

	clips.configured = false
	assert.False(t, o.ShouldAttemptClip(base))
}

func TestEnhancePrompt(t *testing.T) {
	assert.Equal(t, "A boat", EnhancePrompt(" A boat ", ""))
	assert.Equal(t, "A boat. Setting: Sea of Galilee at dusk", EnhancePrompt("A boat", "Sea of Galilee at dusk"))
}
