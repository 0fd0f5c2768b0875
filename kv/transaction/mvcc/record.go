package mvcc

import (
	"fmt"
	"runtime"

	"github.com/pingcap-incubator/epochkv/kv/transaction/readby"
	"go.uber.org/atomic"
)

// Storage identifies a logical table. Storage ids are allocated by the index.
type Storage uint64

// Record is the unit of concurrency control: one key in one storage with its version chain, newest first.
//
// The record word reflects the newest committed state:
//   - normal: latest, present
//   - tombstone: latest, absent, the head version is a tombstone
//   - inserting: latest, absent, no version at all
//   - unhooked: not latest; the record was removed from the index and must be treated as not found
type Record struct {
	storage Storage
	key     []byte
	tid     atomic.Uint64
	head    atomic.Pointer[Version]

	// ReadBy holds the committed long transactions that read this key.
	ReadBy readby.Point
}

// NewRecord creates a record holding one committed version.
func NewRecord(storage Storage, key, value []byte, tid TidWord) *Record {
	r := &Record{storage: storage, key: key}
	r.head.Store(NewVersion(value, tid))
	r.tid.Store(uint64(tid.WithLock(false).WithLatest(true)))
	return r
}

// NewInsertingRecord creates the placeholder an inserter puts into the index before it commits.
func NewInsertingRecord(storage Storage, key []byte) *Record {
	r := &Record{storage: storage, key: key}
	r.tid.Store(uint64(TidWord(0).WithLatest(true).WithAbsent(true)))
	return r
}

func (r *Record) Storage() Storage { return r.storage }
func (r *Record) Key() []byte      { return r.key }

// LoadTid returns the record word, which may be locked.
func (r *Record) LoadTid() TidWord {
	return TidWord(r.tid.Load())
}

// Head returns the newest version without any consistency check.
func (r *Record) Head() *Version {
	return r.head.Load()
}

// IsInserting reports whether w belongs to a placeholder that has no committed version yet.
func (r *Record) IsInserting(w TidWord) bool {
	return w.IsLatest() && w.IsAbsent() && r.head.Load() == nil
}

// Lock spins until it owns the record lock and returns the word observed at that moment.
func (r *Record) Lock() TidWord {
	for {
		w := r.LoadTid()
		if !w.IsLocked() && r.tid.CompareAndSwap(uint64(w), uint64(w.WithLock(true))) {
			return w
		}
		runtime.Gosched()
	}
}

// TryLock takes the record lock if it is free.
func (r *Record) TryLock() (TidWord, bool) {
	w := r.LoadTid()
	if w.IsLocked() {
		return w, false
	}
	return w, r.tid.CompareAndSwap(uint64(w), uint64(w.WithLock(true)))
}

// Unlock releases the record lock leaving the word otherwise unchanged.
func (r *Record) Unlock() {
	r.tid.Store(uint64(r.LoadTid().WithLock(false)))
}

// UnlockWith publishes w as the new record word and releases the lock in one store.
func (r *Record) UnlockWith(w TidWord) {
	r.tid.Store(uint64(w.WithLock(false)))
}

// LoadStable waits for the lock bit to clear and returns the unlocked word. It gives up after retryLimit yields.
func (r *Record) LoadStable(retryLimit int) (TidWord, bool) {
	for i := 0; ; i++ {
		w := r.LoadTid()
		if !w.IsLocked() {
			return w, true
		}
		if i >= retryLimit {
			return w, false
		}
		runtime.Gosched()
	}
}

// OptimisticRead returns an unlocked word together with the head version that word describes. The word is read
// before and after the head; the pair is accepted only if both reads agree.
func (r *Record) OptimisticRead(retryLimit int) (TidWord, *Version, bool) {
	for i := 0; i <= retryLimit; i++ {
		first, ok := r.LoadStable(retryLimit)
		if !ok {
			return first, nil, false
		}
		head := r.head.Load()
		if second := r.LoadTid(); second == first {
			return first, head, true
		}
		runtime.Gosched()
	}
	return r.LoadTid(), nil, false
}

// AppendVersion links a new head version and publishes its word. The caller must hold the lock; the lock is
// released on return.
func (r *Record) AppendVersion(value []byte, tid TidWord) *Version {
	v := NewVersion(value, tid)
	v.next.Store(r.head.Load())
	r.head.Store(v)
	r.UnlockWith(tid.WithLatest(true))
	return v
}

// InsertVersion places a version at its ordered position in the chain. It becomes the head only if it is newer
// than the current head. The caller must hold the lock and is responsible for unlocking.
func (r *Record) InsertVersion(value []byte, tid TidWord) (v *Version, isHead bool) {
	v = NewVersion(value, tid)
	head := r.head.Load()
	if head == nil || head.tid.Less(tid) {
		v.next.Store(head)
		r.head.Store(v)
		return v, true
	}
	prev := head
	for {
		next := prev.next.Load()
		if next == nil || next.tid.Less(tid) {
			v.next.Store(next)
			prev.next.Store(v)
			return v, false
		}
		prev = next
	}
}

// TraverseTo returns the newest version whose epoch is strictly older than epoch, or nil.
func (r *Record) TraverseTo(epoch uint64) *Version {
	return r.TraverseBefore(NewTidWord(epoch, 0))
}

// TraverseBefore returns the newest version visible to a reader serialized at bound, or nil.
func (r *Record) TraverseBefore(bound TidWord) *Version {
	v := r.head.Load()
	for v != nil && !v.visibleBefore(bound) {
		v = v.next.Load()
	}
	return v
}

// TruncateBefore keeps every version at or above watermark and the newest one below it, detaching the rest.
// The caller must hold the lock. It returns the number of detached versions.
func (r *Record) TruncateBefore(watermark uint64) int {
	v := r.head.Load()
	for v != nil && v.tid.Epoch() >= watermark {
		v = v.next.Load()
	}
	if v == nil {
		return 0
	}
	n := 0
	for old := v.next.Load(); old != nil; old = old.next.Load() {
		n++
	}
	v.next.Store(nil)
	return n
}

// Unhook marks a locked record as removed from the index and releases the lock. Holders of the pointer will
// see a non-latest absent word from now on.
func (r *Record) Unhook() {
	w := r.LoadTid()
	r.UnlockWith(w.WithLatest(false).WithAbsent(true))
}

// Len returns the length of the version chain.
func (r *Record) Len() int {
	n := 0
	for v := r.head.Load(); v != nil; v = v.next.Load() {
		n++
	}
	return n
}

func (r *Record) String() string {
	return fmt.Sprintf("record{storage:%d key:%q tid:%v versions:%d}", r.storage, r.key, r.LoadTid(), r.Len())
}
