package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process backend. It serves the offline CLI render path and
// tests; FailWrites and FailDeletes inject errors.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	FailWrites  error
	FailDeletes error
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Write stores a copy of data at p.
func (m *Memory) Write(_ context.Context, p string, data []byte, _ string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Read returns a copy of the data stored at p.
func (m *Memory) Read(_ context.Context, p string) ([]byte, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes p.
func (m *Memory) Delete(_ context.Context, p string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeletes != nil {
		return m.FailDeletes
	}
	delete(m.objects, key)
	return nil
}

// Paths lists the stored paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
