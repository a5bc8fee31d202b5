package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It is used by tests and as a fallback when
// the on-disk database cannot be opened.
type Memory struct {
	mu   sync.Mutex
	data map[string]string

	// FailReads and FailWrites inject storage failures.
	FailReads  bool
	FailWrites bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return "", false, &StorageError{Op: "get", Key: key, Err: ErrUnavailable}
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return &StorageError{Op: "set", Key: key, Err: ErrUnavailable}
	}
	m.data[key] = value
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return &StorageError{Op: "remove", Key: key, Err: ErrUnavailable}
	}
	delete(m.data, key)
	return nil
}

// RemoveMultiple implements Store.
func (m *Memory) RemoveMultiple(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return &StorageError{Op: "remove", Err: ErrUnavailable}
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Update implements Updater.
func (m *Memory) Update(_ context.Context, key string, fn func(old string, ok bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return &StorageError{Op: "get", Key: key, Err: ErrUnavailable}
	}
	old, ok := m.data[key]
	val, err := fn(old, ok)
	if err != nil {
		return err
	}
	if m.FailWrites {
		return &StorageError{Op: "set", Key: key, Err: ErrUnavailable}
	}
	m.data[key] = val
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
