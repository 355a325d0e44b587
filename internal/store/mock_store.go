// ABOUTME: Mock Substrate implementation for testing
// ABOUTME: In-memory map with failure injection to simulate full or unavailable storage

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Substrate implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	items map[string]string

	failReads     bool
	failWrites    bool
	maxValueBytes int
	writes        int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		items: make(map[string]string),
	}
}

// FailReads makes every GetItem/Keys call return ErrUnavailable.
func (m *MockStore) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// FailWrites makes every SetItem/RemoveItem call return ErrUnavailable.
func (m *MockStore) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// SetQuota rejects values longer than n bytes with ErrQuotaExceeded. Zero disables.
func (m *MockStore) SetQuota(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxValueBytes = n
}

// Writes returns the number of successful SetItem calls.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// GetItem returns the stored value.
func (m *MockStore) GetItem(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failReads {
		return "", ErrUnavailable
	}
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetItem stores value under key.
func (m *MockStore) SetItem(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrUnavailable
	}
	if m.maxValueBytes > 0 && len(value) > m.maxValueBytes {
		return fmt.Errorf("%w: %d bytes for %q", ErrQuotaExceeded, len(value), key)
	}
	m.items[key] = value
	m.writes++
	return nil
}

// RemoveItem deletes key.
func (m *MockStore) RemoveItem(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrUnavailable
	}
	delete(m.items, key)
	return nil
}

// Keys lists keys with prefix, sorted.
func (m *MockStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failReads {
		return nil, ErrUnavailable
	}
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Substrate = (*MockStore)(nil)
