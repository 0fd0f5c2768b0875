// Package ongoing tracks the long transactions that have begun and not yet terminated, together with the lowest
// valid epoch among them.
package ongoing

import (
	"sort"
	"sync"
)

// Entry is one ongoing long transaction.
type Entry struct {
	Epoch uint64
	ID    uint64
}

// Registry is safe for concurrent use. Reads share the lock; every mutation recomputes the lowest epoch while
// holding it exclusively.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64]uint64
	lowest  uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]uint64)}
}

// Push registers id with its valid epoch.
func (r *Registry) Push(epoch, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = epoch
	if r.lowest == 0 || epoch < r.lowest {
		r.lowest = epoch
	}
}

// RemoveID unregisters id and reports whether it was present.
func (r *Registry) RemoveID(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.recomputeLowest()
	return true
}

func (r *Registry) recomputeLowest() {
	r.lowest = 0
	for _, e := range r.entries {
		if r.lowest == 0 || e < r.lowest {
			r.lowest = e
		}
	}
}

func (r *Registry) ExistID(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// LowestEpoch returns the smallest valid epoch of any ongoing long transaction, or 0 if there is none.
func (r *Registry) LowestEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lowest
}

// Lock and Unlock bracket ChangeEpochWithoutLock.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// ChangeEpochWithoutLock moves id to a new valid epoch. The caller must hold the registry lock.
func (r *Registry) ChangeEpochWithoutLock(id, epoch uint64) {
	if _, ok := r.entries[id]; !ok {
		return
	}
	r.entries[id] = epoch
	r.recomputeLowest()
}

// ExistWaitFor reports whether any transaction in waitFor is still ongoing.
func (r *Registry) ExistWaitFor(waitFor map[uint64]struct{}) bool {
	if len(waitFor) == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range waitFor {
		if _, ok := r.entries[id]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the ongoing transactions ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, Entry{Epoch: e, ID: id})
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
