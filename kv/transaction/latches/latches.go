package latches

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
)

// Latches serialize the commit phase of long transactions that touch a common storage. A long commit validates its
// reads, checks the readers of its writes, publishes its versions and registers its own reads; no other long commit
// sharing a storage with it may interleave with those steps.
//
// A latch is a per-key lock. All keys a commit needs are locked at once, so latching cannot deadlock. Latching is
// implemented using a single map from key to a WaitGroup guarded by a mutex. Waiters block on the WaitGroup of the
// first latched key they find and retry when it is released.
type Latches struct {
	// latchMap maps each latched key to a WaitGroup. Threads who find a key locked should wait on that WaitGroup.
	latchMap map[string]*sync.WaitGroup
	// Mutex to guard latchMap. A thread must hold this mutex while it makes any change to latchMap.
	latchGuard sync.Mutex
	// An optional validation function, only used for testing.
	Validation func(keys [][]byte)
}

// NewLatches creates a new Latches object. There should only be one such object per engine.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[string]*sync.WaitGroup)
	return l
}

// StorageKeys turns a set of storages into sorted, de-duplicated latch keys.
func StorageKeys(storages []mvcc.Storage) [][]byte {
	sorted := append([]mvcc.Storage(nil), storages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	keys := make([][]byte, 0, len(sorted))
	for i, st := range sorted {
		if i > 0 && sorted[i-1] == st {
			continue
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(st))
		keys = append(keys, key)
	}
	return keys
}

// AcquireLatches tries lock all Latches specified by keys. If this succeeds, nil is returned. If any of the keys are
// locked, then AcquireLatches requires a WaitGroup which the thread can use to be woken when the lock is free.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[string(key)]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = wg
	}

	return nil
}

// ReleaseLatches releases the latches for all keys in keysToUnlatch. It will wakeup any threads blocked on one of the
// latches. All keys in keysToUnlatch must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			if wg, ok := l.latchMap[string(key)]; ok {
				wg.Done()
			}
			first = false
		}
		delete(l.latchMap, string(key))
	}
}

// WaitForLatches locks all keys in keysToLatch, waiting as long as any of them is held by someone else.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// Validate calls the function in Validation, if it exists.
func (l *Latches) Validate(latched [][]byte) {
	if l.Validation != nil {
		l.Validation(latched)
	}
}
