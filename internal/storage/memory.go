package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

// Memory is an in-process store. It backs the session tier, which lives
// exactly as long as the process, and is the fake used by tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
	bytes int64
	quota int64
}

var _ types.Storage = (*Memory)(nil)

// NewMemory creates an in-process store. quota <= 0 means unlimited.
func NewMemory(quota int64) *Memory {
	return &Memory{
		items: make(map[string][]byte),
		quota: quota,
	}
}

// GetItem returns a copy of the stored value
func (m *Memory) GetItem(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetItem stores value, failing with QUOTA_EXCEEDED when it would not fit.
func (m *Memory) SetItem(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := itemSize(key, value)
	if old, ok := m.items[key]; ok {
		delta -= itemSize(key, old)
	}
	if m.quota > 0 && m.bytes+delta > m.quota {
		return quotaError(key, m.bytes+delta, m.quota)
	}

	m.items[key] = append([]byte(nil), value...)
	m.bytes += delta
	return nil
}

// RemoveItem deletes key if present
func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.bytes -= itemSize(key, old)
		delete(m.items, key)
	}
	return nil
}

// Keys lists keys with the given prefix in sorted order
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage reports stored bytes against the quota
func (m *Memory) Usage(_ context.Context) (types.StorageUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.StorageUsage{Bytes: m.bytes, Quota: m.quota}, nil
}

// Len returns the number of stored items
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func itemSize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

func quotaError(key string, need, quota int64) error {
	return errors.NewError(errors.ErrCodeQuotaExceeded, "storage quota exceeded").
		WithComponent("storage").
		WithContext("key", key).
		WithDetail("required_bytes", need).
		WithDetail("quota_bytes", quota)
}
