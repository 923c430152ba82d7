package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store bounded to maxItems entries
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]entry
	maxItems int
	now      func() time.Time
}

// NewMemoryStore creates a store holding at most maxItems entries
func NewMemoryStore(maxItems int) *MemoryStore {
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &MemoryStore{
		entries:  make(map[string]entry),
		maxItems: maxItems,
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxItems {
		m.evict()
	}
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Len reports the number of entries, expired ones included
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evict drops expired entries, then arbitrary ones until a tenth of the
// capacity is free. Callers hold mu.
func (m *MemoryStore) evict() {
	target := m.maxItems / 10
	if target < 1 {
		target = 1
	}
	now := m.now()
	evicted := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			evicted++
		}
	}
	for k := range m.entries {
		if evicted >= target {
			break
		}
		delete(m.entries, k)
		evicted++
	}
}
