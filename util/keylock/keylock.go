// Package keylock provides per-key read/write locks with automatic cleanup.
//
// The connection tracker uses it to serialize state transitions per session id
// without a global lock: two goroutines may never transition the same session
// concurrently, while different sessions transition fully in parallel. Each
// key gets its own RWMutex created on demand; reference counting removes the
// entry once no goroutine holds or waits on it.
package keylock

import (
	"sync"
)

type keyLockEntry struct {
	mu       sync.RWMutex
	refCount int
}

// KeyLock manages per-key read/write locks.
//
// Usage:
//
//	kl := New()
//	unlock := kl.Lock("sess-123") // or kl.RLock("sess-123")
//	defer unlock()
//
// The returned unlock function MUST be called to release the lock and
// decrement the reference count.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

// New creates a new KeyLock manager
func New() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*keyLockEntry),
	}
}

// Lock acquires an exclusive lock for the given key
// Returns an unlock function that MUST be called to release the lock
func (kl *KeyLock) Lock(key string) func() {
	entry := kl.acquire(key)
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		kl.release(key)
	}
}

// RLock acquires a shared (read) lock for the given key
// Returns an unlock function that MUST be called to release the lock
func (kl *KeyLock) RLock(key string) func() {
	entry := kl.acquire(key)
	entry.mu.RLock()
	return func() {
		entry.mu.RUnlock()
		kl.release(key)
	}
}

// acquire finds or creates the entry for key and bumps its reference count
func (kl *KeyLock) acquire(key string) *keyLockEntry {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	entry, exists := kl.locks[key]
	if !exists {
		entry = &keyLockEntry{}
		kl.locks[key] = entry
	}
	entry.refCount++
	return entry
}

// release decrements the reference count and removes the entry if no longer needed
func (kl *KeyLock) release(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	entry, exists := kl.locks[key]
	if !exists {
		return
	}

	entry.refCount--
	if entry.refCount == 0 {
		delete(kl.locks, key)
	}
}

// Len returns the number of currently tracked keys (for testing)
func (kl *KeyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
