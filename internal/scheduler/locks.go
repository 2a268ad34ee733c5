package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager hands out per-key mutual exclusion. Publishing uses it
// so that commits touching the same branch or the same file never interleave,
// while unrelated commits proceed in parallel.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewResourceLockManager creates an empty lock manager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key, creating it on first use.
func (r *ResourceLockManager) Lock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases key and forgets it once nobody holds or waits for it.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	l.mu.Unlock()
}

// LockAll acquires every key in sorted order, so two callers with overlapping
// key sets cannot deadlock, and returns the matching release function.
func (r *ResourceLockManager) LockAll(keys ...string) (release func()) {
	sorted := dedupeSorted(keys)
	for _, k := range sorted {
		r.Lock(k)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			r.Unlock(sorted[i])
		}
	}
}

// Held returns the number of keys currently locked or awaited.
func (r *ResourceLockManager) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func dedupeSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
