// Package keylock provides mutual exclusion per string key. Entries exist
// only while a key is held or waited on, so the map stays as small as the
// set of keys in use.
//
// Usage:
//
//	locks := keylock.New()
//	unlock := locks.Lock("shop_t1")
//	defer unlock()
package keylock

import "sync"

// Map hands out one mutex per key. It is safe for concurrent use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int // holders plus waiters
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the function that releases it.
// The release function must be called exactly once.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
