// Package cache holds the per-meter latest-value projection.
//
// Entries are ordered by reading timestamp: a write carrying an older
// timestamp than the cached one is discarded, and on an equal timestamp the
// most recently processed write wins. Only the asynchronous writer calls Set.
package cache

import (
	"context"
	"sync"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// Cache is the latest-value store.
type Cache interface {
	// Set applies v unless a newer entry is cached. applied reports whether
	// the entry changed.
	Set(ctx context.Context, v reading.Latest) (applied bool, err error)

	// Get returns the cached entry for meterID
	Get(ctx context.Context, meterID string) (reading.Latest, bool, error)
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]reading.Latest
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]reading.Latest)}
}

// Set implements Cache
func (m *Memory) Set(ctx context.Context, v reading.Latest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[v.MeterID]; ok && v.Timestamp.Before(cur.Timestamp) {
		return false, nil
	}
	m.entries[v.MeterID] = v
	return true, nil
}

// Get implements Cache
func (m *Memory) Get(ctx context.Context, meterID string) (reading.Latest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[meterID]
	return v, ok, nil
}

// Len returns the number of cached meters
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
