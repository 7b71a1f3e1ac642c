package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"parable-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.CacheEntry, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Put(context.Context, models.CacheEntry) error { return errors.New("connection refused") }
func (failingStore) ListMeta(context.Context, models.MediaKind) ([]models.CacheEntryMeta, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Delete(context.Context, ...string) error { return errors.New("connection refused") }

func newTestCache(store Store, policies map[models.MediaKind]Policy, now *time.Time) *Cache {
	c := New(store, policies, zap.NewNop())
	c.now = func() time.Time { return *now }
	return c
}

func TestFingerprint_Normalization(t *testing.T) {
	a := NewFingerprint(" Hello ", "gpt-image-1", 0, models.MediaImage)
	b := NewFingerprint("hello", "gpt-image-1", 0, models.MediaImage)
	c := Fingerprint{Text: "  HELLO\n", Model: "gpt-image-1", Kind: models.MediaImage}

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), c.Key(), "key must normalize even for hand-built fingerprints")

	assert.NotEqual(t, a.Key(), NewFingerprint("hello", "other-model", 0, models.MediaImage).Key())
	assert.NotEqual(t, a.Key(), NewFingerprint("hello", "gpt-image-1", 5, models.MediaImage).Key())
	assert.NotEqual(t, a.Key(), NewFingerprint("hello", "gpt-image-1", 0, models.MediaClip).Key())

	kind, ok := KindFromKey(a.Key())
	require.True(t, ok)
	assert.Equal(t, models.MediaImage, kind)
}

func TestCache_PutThenGetIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	c := newTestCache(store, nil, &now)
	ctx := context.Background()
	fp := NewFingerprint("A quiet river at dawn", "gpt-image-1", 0, models.MediaImage)
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}

	c.Put(ctx, fp, "A quiet river at dawn", payload)

	got, ok := c.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	again, ok := c.Get(ctx, NewFingerprint("a quiet river at dawn  ", "gpt-image-1", 0, models.MediaImage))
	require.True(t, ok)
	assert.Equal(t, payload, again)

	entry, ok := c.GetByKey(ctx, fp.Key())
	require.True(t, ok)
	assert.Equal(t, "A quiet river at dawn", entry.Prompt)
	assert.Equal(t, "gpt-image-1", entry.Model)
}

func TestCache_StoreFailureIsTreatedAsMiss(t *testing.T) {
	now := time.Now()
	c := newTestCache(failingStore{}, nil, &now)
	fp := NewFingerprint("x", "m", 0, models.MediaAudio)

	assert.NotPanics(t, func() { c.Put(context.Background(), fp, "x", []byte("data")) })
	_, ok := c.Get(context.Background(), fp)
	assert.False(t, ok)
}

func TestCache_EvictsByAgeThenCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	policies := map[models.MediaKind]Policy{
		models.MediaImage: {MaxAge: time.Hour, MaxCount: 3},
	}
	c := newTestCache(store, policies, &now)
	ctx := context.Background()

	// Две устаревшие записи.
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Put(ctx, models.CacheEntry{
			Key:       NewFingerprint(fmt.Sprintf("old %d", i), "m", 0, models.MediaImage).Key(),
			Kind:      models.MediaImage,
			Payload:   []byte("x"),
			CreatedAt: now.Add(-2 * time.Hour),
		}))
	}
	var fresh []Fingerprint
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		fp := NewFingerprint(fmt.Sprintf("fresh %d", i), "m", 0, models.MediaImage)
		fresh = append(fresh, fp)
		c.Put(ctx, fp, fp.Text, []byte("payload"))
	}

	assert.Equal(t, 3, store.Len())
	_, ok := c.Get(ctx, fresh[0])
	assert.False(t, ok, "oldest fresh entry must be evicted first")
	for _, fp := range fresh[1:] {
		_, ok := c.Get(ctx, fp)
		assert.True(t, ok)
	}
}

func TestCache_ExpiredEntryIsMissBeforeEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	policies := map[models.MediaKind]Policy{models.MediaClip: {MaxAge: time.Hour}}
	c := newTestCache(NewMemoryStore(), policies, &now)
	fp := NewFingerprint("storm", "veo", 5, models.MediaClip)

	c.Put(context.Background(), fp, "storm", []byte("mp4"))
	now = now.Add(2 * time.Hour)

	_, ok := c.Get(context.Background(), fp)
	assert.False(t, ok)
}

func TestCache_EvictAll(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	policies := map[models.MediaKind]Policy{
		models.MediaImage: {MaxCount: 1},
		models.MediaAudio: {MaxCount: 1},
	}
	c := newTestCache(store, policies, &now)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		require.NoError(t, store.Put(ctx, models.CacheEntry{Key: fmt.Sprintf("image:%d", i), Kind: models.MediaImage, CreatedAt: now}))
		require.NoError(t, store.Put(ctx, models.CacheEntry{Key: fmt.Sprintf("audio:%d", i), Kind: models.MediaAudio, CreatedAt: now}))
	}

	removed, err := c.EvictAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed[models.MediaImage])
	assert.Equal(t, 2, removed[models.MediaAudio])
	assert.Equal(t, 2, store.Len())
}
