// Package storage реализует долговременное хранение профиля, состояния сессий
// и настроек поверх key-value хранилища с ограниченной емкостью.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"parable-server/internal/models"
)

// KV - строковое key-value хранилище. Set может вернуть models.ErrStorageCapacity,
// если запись не помещается в емкость хранилища.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error) // models.ErrNotFound при отсутствии
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Usage возвращает приблизительный объем занятых данных в байтах.
	Usage(ctx context.Context) (int64, error)
}

// MemoryKV - хранилище в памяти процесса.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV создает пустое хранилище в памяти.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Usage(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for k, v := range m.data {
		total += int64(len(k) + len(v))
	}
	return total, nil
}

// LimitedKV ограничивает емкость вложенного хранилища и отклоняет записи,
// которые превысили бы ее, ошибкой models.ErrStorageCapacity.
type LimitedKV struct {
	KV
	capacity int64
	mu       sync.Mutex
}

// NewLimitedKV оборачивает хранилище с емкостью capacity байт.
// capacity <= 0 означает отсутствие ограничения.
func NewLimitedKV(inner KV, capacity int64) *LimitedKV {
	return &LimitedKV{KV: inner, capacity: capacity}
}

// Capacity возвращает предполагаемую емкость хранилища.
func (l *LimitedKV) Capacity() int64 {
	return l.capacity
}

func (l *LimitedKV) Set(ctx context.Context, key string, value []byte) error {
	if l.capacity <= 0 {
		return l.KV.Set(ctx, key, value)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	used, err := l.KV.Usage(ctx)
	if err != nil {
		return err
	}
	var existing int64
	if old, err := l.KV.Get(ctx, key); err == nil {
		existing = int64(len(key) + len(old))
	}
	if used-existing+int64(len(key)+len(value)) > l.capacity {
		return models.ErrStorageCapacity
	}
	return l.KV.Set(ctx, key, value)
}
