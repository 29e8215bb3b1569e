package utils

import (
	"reflect"
	"sync"
	"time"
)

// ExpireMap provides a thread-safe map where each entry carries its own
// absolute expiration time. Expired entries are filtered on every read, so
// callers never observe a stale value even before the janitor removes it.
type ExpireMap[K comparable, V any] struct {
	mu      sync.RWMutex
	data    map[K]V
	expires map[K]time.Time
	clock   Clock
	done    chan struct{}
	once    sync.Once
}

// NewExpireMap creates a new ExpireMap. A janitor goroutine physically
// removes expired entries every cleanupInterval; reads do not depend on it.
func NewExpireMap[K comparable, V any](clock Clock, cleanupInterval time.Duration) *ExpireMap[K, V] {
	m := &ExpireMap[K, V]{
		data:    make(map[K]V),
		expires: make(map[K]time.Time),
		clock:   clock,
		done:    make(chan struct{}),
	}

	go m.cleanup(cleanupInterval)

	return m
}

// Add stores a value that expires at the given absolute time. Adding a nil
// value is a no-op so callers cannot cache empty placeholders by accident.
func (m *ExpireMap[K, V]) Add(key K, value V, expiresAt time.Time) {
	if isNil(value) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	m.expires[key] = expiresAt
}

// Get retrieves a value from the map.
// Returns the value and whether it exists and has not expired.
func (m *ExpireMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists || !m.clock.Now().Before(m.expires[key]) {
		var zero V
		return zero, false
	}

	return value, true
}

// Contains reports whether the key exists and has not expired.
func (m *ExpireMap[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Remove deletes a key from the map.
func (m *ExpireMap[K, V]) Remove(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	delete(m.expires, key)
}

// Len returns the number of live entries.
func (m *ExpireMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	count := 0

	for key := range m.data {
		if now.Before(m.expires[key]) {
			count++
		}
	}

	return count
}

// Range calls fn for every live entry until fn returns false. The map's
// lock is held for the duration of the scan; fn must not call back into
// the map.
func (m *ExpireMap[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()

	for key, value := range m.data {
		if !now.Before(m.expires[key]) {
			continue
		}

		if !fn(key, value) {
			return
		}
	}
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (m *ExpireMap[K, V]) Close() {
	m.once.Do(func() {
		close(m.done)
	})
}

// cleanup periodically removes expired entries.
func (m *ExpireMap[K, V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()

			now := m.clock.Now()
			for key, expires := range m.expires {
				if !now.Before(expires) {
					delete(m.data, key)
					delete(m.expires, key)
				}
			}

			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// isNil reports whether a value of any type holds a nil pointer, map,
// slice, interface, channel, or function.
func isNil(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}
