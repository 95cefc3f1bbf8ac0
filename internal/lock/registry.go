// Package lock provides a per-entity mutual-exclusion registry: callers
// acquire a lock keyed by an arbitrary string (a sandbox_id or session_id)
// without pre-declaring the universe of keys, and the registry reclaims a
// key's mutex once nobody holds a reference to it.
package lock

import "sync"

type entry struct {
	mu       sync.Mutex
	refCount int
}

// Registry hands out one mutex per key, refcounted so idle entries don't
// accumulate forever across the lifetime of a long-running process.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held, then returns a release
// function the caller must call exactly once to release it.
func (r *Registry) Acquire(key string) (release func()) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refCount++
	r.mu.Unlock()

	e.mu.Lock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.mu.Unlock()

		r.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}
}

// TryAcquire attempts to acquire key's lock without blocking. It returns
// (release, true) on success, or (nil, false) if the key is already held.
func (r *Registry) TryAcquire(key string) (release func(), ok bool) {
	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		e = &entry{}
		r.entries[key] = e
	}
	e.refCount++
	r.mu.Unlock()

	if !e.mu.TryLock() {
		r.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, false
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.mu.Unlock()

		r.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}, true
}

// Len reports the number of currently-held or pending keys, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
