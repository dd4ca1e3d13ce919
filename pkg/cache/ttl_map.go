// Package cache provides a small in-memory TTL map, used to memoize
// upstream catalog lookups.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
}

func New[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]entry[V]{}}
}

// Get returns the value for key if it has not expired at now.
func (m *TTLMap[K, V]) Get(key K, now time.Time) (V, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetStale returns the value for key even when it has expired. Callers use
// it as a fallback when refreshing the entry fails.
func (m *TTLMap[K, V]) GetStale(key K) (V, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *TTLMap[K, V]) Set(key K, value V, now time.Time, ttl time.Duration) {
	m.mu.Lock()
	m.items[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}
