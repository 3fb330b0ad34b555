package store

import (
	"context"
	"sync"
)

// Memory is the reference Store backend: a single mutex guarding a map and a
// set of counters. It is the default backend and what the test suites use.
type Memory struct {
	mu       sync.Mutex
	values   map[string][]byte
	sets     map[string]map[string]struct{}
	counters map[string]int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string][]byte),
		sets:     make(map[string]map[string]struct{}),
		counters: make(map[string]int64),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, counter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[counter]++
	return m.counters[counter], nil
}

func (m *Memory) SAdd(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sets[set]; ok {
		delete(s, member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sets[set]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
