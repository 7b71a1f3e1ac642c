package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"
	"parable-server/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBackends(t *testing.T) (*backends, opener) {
	t.Helper()
	b := &backends{
		store: storage.NewStore(storage.NewMemoryKV(), storage.Options{}, zap.NewNop()),
		cache: cache.New(cache.NewMemoryStore(), map[models.MediaKind]cache.Policy{
			models.MediaImage: {MaxCount: 1},
			models.MediaAudio: {MaxCount: 10},
		}, zap.NewNop()),
	}
	return b, func(context.Context) (*backends, error) { return b, nil }
}

func execute(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func saveSession(t *testing.T, b *backends, story, user string) models.SessionKey {
	t.Helper()
	key := models.SessionKey{StoryID: story, UserID: user}
	sess := models.NewSession(key, time.Now())
	sess.Segments = append(sess.Segments, models.Segment{ID: "s1", Kind: models.SegmentNarrator, Text: "Once"})
	_, err := b.store.SaveSession(context.Background(), sess)
	require.NoError(t, err)
	return key
}

func TestSessionList(t *testing.T) {
	b, open := testBackends(t)
	saveSession(t, b, "mustard", "u2")
	saveSession(t, b, "mustard", "u1")

	out, err := execute(t, open, "session", "list")
	require.NoError(t, err)
	assert.Equal(t, "mustard\tu1\nmustard\tu2\n", out)
}

func TestSessionShow(t *testing.T) {
	b, open := testBackends(t)
	key := saveSession(t, b, "mustard", "u1")

	out, err := execute(t, open, "session", "show", "mustard", "u1")
	require.NoError(t, err)
	var sess models.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, key, sess.Key)
	require.Len(t, sess.Segments, 1)

	_, err = execute(t, open, "session", "show", "mustard")
	assert.Error(t, err)
}

func TestSessionPrune(t *testing.T) {
	b, open := testBackends(t)
	saveSession(t, b, "mustard", "u1")
	saveSession(t, b, "lost-sheep", "u1")

	out, err := execute(t, open, "session", "prune", "--all")
	require.NoError(t, err)
	assert.Equal(t, "2 session(s) pruned\n", out)

	out, err = execute(t, open, "session", "prune", "mustard", "u1")
	require.NoError(t, err)
	assert.Equal(t, "1 session(s) pruned\n", out)

	_, err = execute(t, open, "session", "prune", "missing", "u1")
	assert.Error(t, err)
}

func seedCacheEntry(t *testing.T, store *cache.MemoryStore, text string, kind models.MediaKind, createdAt time.Time) cache.Fingerprint {
	t.Helper()
	fp := cache.NewFingerprint(text, "m", 0, kind)
	require.NoError(t, store.Put(context.Background(), models.CacheEntry{
		Key:       fp.Key(),
		Kind:      kind,
		Model:     "m",
		Prompt:    text,
		Payload:   []byte(text),
		CreatedAt: createdAt,
	}))
	return fp
}

func TestCacheEvict(t *testing.T) {
	b, open := testBackends(t)
	ctx := context.Background()
	// Записи кладутся мимо Cache.Put, чтобы кеш оказался сверх лимита.
	store := cache.NewMemoryStore()
	b.cache = cache.New(store, map[models.MediaKind]cache.Policy{
		models.MediaImage: {MaxCount: 1},
		models.MediaAudio: {MaxCount: 10},
	}, zap.NewNop())
	now := time.Now()
	oldSeed := seedCacheEntry(t, store, "a seed", models.MediaImage, now.Add(-time.Minute))
	tree := seedCacheEntry(t, store, "a tree", models.MediaImage, now)
	audio := seedCacheEntry(t, store, "a seed", models.MediaAudio, now)
	require.Equal(t, 3, store.Len())

	out, err := execute(t, open, "cache", "evict", "--kind", "image")
	require.NoError(t, err)
	assert.Equal(t, "image: 1 evicted\n", out)
	assert.Equal(t, 2, store.Len())
	_, ok := b.cache.Get(ctx, oldSeed)
	assert.False(t, ok, "oldest image goes first")
	_, ok = b.cache.Get(ctx, tree)
	assert.True(t, ok)

	_, err = execute(t, open, "cache", "evict", "--kind", "sound")
	assert.Error(t, err)

	out, err = execute(t, open, "cache", "evict")
	require.NoError(t, err)
	assert.Equal(t, "audio: 0 evicted\nimage: 0 evicted\n", out)

	_, ok = b.cache.Get(ctx, audio)
	assert.True(t, ok)
}

func TestUsage(t *testing.T) {
	b, open := testBackends(t)
	saveSession(t, b, "mustard", "u1")

	out, err := execute(t, open, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0")
}

type fakeSchema struct {
	version uint
	dirty   bool
	calls   []string
}

func (f *fakeSchema) Up() error {
	f.calls = append(f.calls, "up")
	f.version = 1
	return nil
}

func (f *fakeSchema) Down() error {
	f.calls = append(f.calls, "down")
	f.version = 0
	return nil
}

func (f *fakeSchema) Version() (uint, bool, error) { return f.version, f.dirty, nil }

func TestMigrate(t *testing.T) {
	fake := &fakeSchema{}
	closed := 0
	open := func(context.Context) (schema, func(), error) {
		return fake, func() { closed++ }, nil
	}
	run := func(args ...string) string {
		cmd := newMigrateCmd(open)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Equal(t, "version 0\n", run("version"))
	assert.Equal(t, "migrations applied\n", run("up"))
	assert.Equal(t, "version 1\n", run("version"))
	fake.dirty = true
	assert.Equal(t, "version 1 (dirty)\n", run("version"))
	assert.Equal(t, "migrations rolled back\n", run("down"))

	assert.Equal(t, []string{"up", "down"}, fake.calls)
	assert.Equal(t, 5, closed)
}
