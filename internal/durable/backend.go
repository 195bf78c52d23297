// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// TIERS
// =============================================================================

// Tier identifies a storage tier, in write priority order.
type Tier int

const (
	// TierPrimary is the persistent store.
	TierPrimary Tier = iota
	// TierSession is the per-shell-session store.
	TierSession
	// TierMemory is the in-process store.
	TierMemory

	tierCount
)

// String returns the tier label used in logs and recovery sources.
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSession:
		return "session"
	case TierMemory:
		return "memory"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Backend is a single storage tier. Implementations classify failures as
// ErrQuotaExceeded or ErrUnavailable where they can and must be safe for
// concurrent use.
type Backend interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)
	// Set stores value under key, replacing any existing value.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// Keys lists stored keys with the given prefix in ascending order.
	Keys(prefix string) ([]string, error)
	// Close releases resources. Further calls return ErrUnavailable.
	Close() error
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

// MemoryBackend keeps records in a map for the life of the process.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]string
	quota  int64
	closed bool
}

// NewMemoryBackend creates an empty memory backend. A positive quota limits
// the total bytes of keys plus values.
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string), quota: quota}
}

// Get implements Backend.
func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrUnavailable
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	if m.quota > 0 {
		var used int64
		for k, v := range m.data {
			if k != key {
				used += int64(len(k) + len(v))
			}
		}
		if used+int64(len(key)+len(value)) > m.quota {
			return ErrQuotaExceeded
		}
	}
	m.data[key] = value
	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

// Keys implements Backend.
func (m *MemoryBackend) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
