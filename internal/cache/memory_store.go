package cache

import (
	"context"
	"sort"
	"sync"

	"parable-server/internal/models"
)

// MemoryStore - хранилище записей в памяти процесса (тесты, локальный запуск).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создает пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.CacheEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry models.CacheEntry) error {
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.mu.Lock()
	s.entries[entry.Key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListMeta(_ context.Context, kind models.MediaKind) ([]models.CacheEntryMeta, error) {
	s.mu.RLock()
	metas := make([]models.CacheEntryMeta, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Kind == kind {
			metas = append(metas, models.CacheEntryMeta{Key: e.Key, CreatedAt: e.CreatedAt})
		}
	}
	s.mu.RUnlock()
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Key < metas[j].Key
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	s.mu.Unlock()
	return nil
}

// Len возвращает количество записей.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
