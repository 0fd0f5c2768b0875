// Package readby remembers which committed long transactions read a key or a key range.
//
// A long transaction ordered before such a reader must not publish a write the reader's snapshot missed. Entries
// older than the GC watermark can no longer matter and are dropped by GC.
package readby

import (
	"sync"

	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/tidwall/btree"
)

// Entry identifies a reader by its valid epoch and priority id.
type Entry struct {
	Epoch uint64
	ID    uint64
}

// Less orders entries the same way long transactions are serialized.
func (e Entry) Less(o Entry) bool {
	if e.Epoch != o.Epoch {
		return e.Epoch < o.Epoch
	}
	return e.ID < o.ID
}

func entryLess(a, b Entry) bool { return a.Less(b) }

// Point is the set of readers of a single key. The zero value is ready to use.
type Point struct {
	mu  sync.Mutex
	set *btree.BTreeG[Entry]
}

func (p *Point) Register(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		p.set = btree.NewBTreeGOptions(entryLess, btree.Options{NoLocks: true})
	}
	p.set.Set(e)
}

// ReadAfter returns the latest reader if it is ordered after e.
func (p *Point) ReadAfter(e Entry) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		return Entry{}, false
	}
	last, ok := p.set.Max()
	if !ok || !e.Less(last) {
		return Entry{}, false
	}
	return last, true
}

// GC drops readers whose epoch is below watermark and returns how many were dropped.
func (p *Point) GC(watermark uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		return 0
	}
	n := 0
	for {
		first, ok := p.set.Min()
		if !ok || first.Epoch >= watermark {
			break
		}
		p.set.PopMin()
		n++
	}
	if p.set.Len() == 0 {
		p.set = nil
	}
	return n
}

func (p *Point) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		return 0
	}
	return p.set.Len()
}

// RangeEntry is one range read of a storage by a committed reader.
type RangeEntry struct {
	Entry
	Range keyrange.KeyRange

	seq uint64
}

func rangeLess(a, b *RangeEntry) bool {
	if a.Entry != b.Entry {
		return a.Entry.Less(b.Entry)
	}
	return a.seq < b.seq
}

// Range is the set of range readers of one storage.
type Range struct {
	mu  sync.Mutex
	seq uint64
	set *btree.BTreeG[*RangeEntry]
}

func NewRange() *Range {
	return &Range{set: btree.NewBTreeGOptions(rangeLess, btree.Options{NoLocks: true})}
}

func (r *Range) Register(e Entry, kr keyrange.KeyRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.set.Set(&RangeEntry{Entry: e, Range: kr, seq: r.seq})
}

// ReadAfter returns a reader ordered after e whose range contains key.
func (r *Range) ReadAfter(e Entry, key []byte) (*RangeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *RangeEntry
	pivot := &RangeEntry{Entry: e, seq: ^uint64(0)}
	r.set.Ascend(pivot, func(item *RangeEntry) bool {
		if item.Range.Contains(key) {
			found = item
			return false
		}
		return true
	})
	return found, found != nil
}

// GC drops readers whose epoch is below watermark and returns how many were dropped.
func (r *Range) GC(watermark uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for {
		first, ok := r.set.Min()
		if !ok || first.Epoch >= watermark {
			break
		}
		r.set.PopMin()
		n++
	}
	return n
}

func (r *Range) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set.Len()
}
