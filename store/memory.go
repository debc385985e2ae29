package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a single-process, sync.Mutex-guarded Store used by tests
// and by deployments with no Redis available. Rate-limit counters are
// incremented in-process, so they are not shared across instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) PutSession(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionKey(id)] = memoryEntry{value: s, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionKey(id)]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.value.(*Session), true, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionKey(id))
	return nil
}

func (m *MemoryStore) GetCache(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cacheKey(key)]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value.(string), true, nil
}

func (m *MemoryStore) SetCache(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cacheKey(key)] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) IncrAndTest(ctx context.Context, key string, window time.Duration, maxCount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := limitKey(key)
	now := time.Now()
	e, ok := m.entries[k]
	if !ok || e.expired(now) {
		e = memoryEntry{value: int64(0), expiresAt: now.Add(window)}
	}
	count := e.value.(int64) + 1
	e.value = count
	m.entries[k] = e

	return count <= maxCount, nil
}
