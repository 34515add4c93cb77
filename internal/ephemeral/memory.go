package ephemeral

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Store. It is what tests and single-node
// deployments without NATS use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     uint64
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (m *Memory) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return 0, ErrConflict
	}
	return m.put(key, value), nil
}

func (m *Memory) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.Revision != revision {
		return 0, ErrConflict
	}
	return m.put(key, value), nil
}

func (m *Memory) Delete(_ context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if revision != 0 && e.Revision != revision {
		return ErrConflict
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// put must be called with mu held.
func (m *Memory) put(key string, value []byte) uint64 {
	m.seq++
	m.entries[key] = Entry{Key: key, Value: append([]byte(nil), value...), Revision: m.seq}
	return m.seq
}
