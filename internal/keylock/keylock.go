// Package keylock provides per-key mutual exclusion. The engine uses it
// to serialize indexing work per document while keeping unrelated
// documents concurrent.
package keylock

import "sync"

// KeyLock hands out one mutex per key. Locks are reference counted and
// released from the table when the last holder unlocks, so the table
// stays proportional to in-flight keys.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another goroutine
// holds it.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not held
// panics, same as sync.Mutex.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		k.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// InFlight reports how many keys currently have holders or waiters.
func (k *KeyLock) InFlight() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
