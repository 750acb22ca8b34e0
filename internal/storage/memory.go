package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. Used by tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, notFound(name)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Write(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Copy(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[src]
	if !ok {
		return notFound(src)
	}
	m.blobs[dst] = append([]byte(nil), data...)
	return nil
}

var _ Backend = (*Memory)(nil)
