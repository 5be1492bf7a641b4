// Package state keeps small durable key/value settings, such as the selected
// connection, outside the connections file.
package state

import (
	"context"
	"sync"
)

// Store is a durable string key/value store. Get reports ok=false for a
// missing key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store used by tests and by the CLI when no
// state database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vals: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}
