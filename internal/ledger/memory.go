package ledger

import (
	"context"
	"sync"
)

// MemoryBackend keeps the ledger in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	order []string
}

// NewMemoryBackend returns an empty in-memory backend, optionally seeded.
func NewMemoryBackend(seed ...string) *MemoryBackend {
	m := &MemoryBackend{seen: make(map[string]struct{})}
	for _, id := range seed {
		_ = m.Append(context.Background(), id)
	}
	return m
}

// Has implements Backend.
func (m *MemoryBackend) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[id]
	return ok, nil
}

// Append implements Backend.
func (m *MemoryBackend) Append(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return nil
	}
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	return nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

// Clear implements Backend.
func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = make(map[string]struct{})
	m.order = nil
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
