// Package keymutex serializes lifecycle operations per entity id.
//
// A single process-wide lock would make unrelated sessions contend; no lock
// at all would let two near-simultaneous attaches both observe "not yet
// attached" or two destroys double-free the same backing process. The
// manager lazily creates one mutex per id so operations on different ids run
// in parallel while operations on the same id are strictly serialized.
package keymutex

import "sync"

// Manager holds one mutex per entity id, created on first use and removed
// by Cleanup once the entity is destroyed.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	refs    int
	retired bool
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// WithLock runs fn while holding the mutex for id. The lock is released even
// if fn panics, so a failing operation can never leave an id permanently
// unreachable.
func (m *Manager) WithLock(id string, fn func() error) error {
	e := m.acquire(id)
	defer m.release(id, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// Cleanup retires the mutex entry for id, bounding memory growth once the
// entity it guarded has been destroyed. The entry is dropped immediately
// when idle, otherwise as soon as the last in-flight WithLock finishes.
// Cleanup may be called from inside the WithLock that destroys the entity.
func (m *Manager) Cleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[id]
	if !ok {
		return
	}
	if e.refs == 0 {
		delete(m.locks, id)
		return
	}
	e.retired = true
}

// Len returns the number of live mutex entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) acquire(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[id]
	if !ok {
		e = &entry{}
		m.locks[id] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(id string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.retired {
		if cur, ok := m.locks[id]; ok && cur == e {
			delete(m.locks, id)
		}
	}
}
