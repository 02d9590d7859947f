package cachestore

import (
	"context"
	"sync"
)

// MemoryStorage keeps buckets in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]map[string]Entry
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]map[string]Entry)}
}

func (m *MemoryStorage) Open(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLocked(bucket)
	return nil
}

func (m *MemoryStorage) openLocked(bucket string) map[string]Entry {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]Entry)
		m.buckets[bucket] = b
		m.order = append(m.order, bucket)
	}
	return b
}

func (m *MemoryStorage) Put(_ context.Context, bucket, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLocked(bucket)[key] = entry
	return nil
}

func (m *MemoryStorage) Match(_ context.Context, bucket, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.buckets[bucket][key]; ok {
		return e, nil
	}
	return Entry{}, ErrNotFound
}

func (m *MemoryStorage) MatchAny(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if e, ok := m.buckets[name][key]; ok {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *MemoryStorage) Buckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemoryStorage) Delete(_ context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return false, nil
	}
	delete(m.buckets, bucket)
	for i, name := range m.order {
		if name == bucket {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}
