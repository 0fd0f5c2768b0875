package mvcc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRecord(epochs ...uint64) *Record {
	r := NewRecord(1, []byte("k"), []byte{byte(epochs[0])}, NewTidWord(epochs[0], 1))
	for _, e := range epochs[1:] {
		r.Lock()
		r.AppendVersion([]byte{byte(e)}, NewTidWord(e, 1))
	}
	return r
}

func TestRecordAppendAndTraverse(t *testing.T) {
	r := buildRecord(1, 3, 5)
	assert.Equal(t, 3, r.Len())
	w := r.LoadTid()
	assert.True(t, w.IsLatest())
	assert.False(t, w.IsLocked())
	assert.Equal(t, uint64(5), w.Epoch())

	assert.Nil(t, r.TraverseTo(1))
	assert.Equal(t, []byte{1}, r.TraverseTo(2).Value())
	assert.Equal(t, []byte{1}, r.TraverseTo(3).Value())
	assert.Equal(t, []byte{3}, r.TraverseTo(4).Value())
	assert.Equal(t, []byte{5}, r.TraverseTo(6).Value())
}

func TestTraverseBeforeLong(t *testing.T) {
	r := NewRecord(1, []byte("k"), []byte("old"), NewTidWord(2, 1))
	r.Lock()
	r.AppendVersion([]byte("short"), NewTidWord(5, 9))
	r.Lock()
	r.InsertVersion([]byte("long3"), NewTidWord(5, LongOrder(3)))
	r.Unlock()

	// a long reader in epoch 5 sees lower-id long writes of that epoch but no short ones
	assert.Equal(t, []byte("long3"), r.TraverseBefore(NewTidWord(5, LongOrder(4))).Value())
	assert.Equal(t, []byte("old"), r.TraverseBefore(NewTidWord(5, LongOrder(2))).Value())
	assert.Equal(t, []byte("old"), r.TraverseTo(5).Value())
	assert.Equal(t, []byte("long3"), r.TraverseTo(6).Value())
}

func TestInsertVersionOrdered(t *testing.T) {
	r := buildRecord(2, 6)
	r.Lock()
	v, isHead := r.InsertVersion([]byte{4}, NewTidWord(4, LongOrder(1)))
	r.Unlock()
	assert.False(t, isHead)
	assert.Equal(t, []byte{4}, v.Value())

	var epochs []uint64
	for v := r.Head(); v != nil; v = v.Next() {
		epochs = append(epochs, v.Tid().Epoch())
	}
	assert.Equal(t, []uint64{6, 4, 2}, epochs)

	r.Lock()
	_, isHead = r.InsertVersion([]byte{9}, NewTidWord(9, 1))
	r.UnlockWith(NewTidWord(9, 1).WithLatest(true))
	assert.True(t, isHead)
	assert.Equal(t, []byte{9}, r.Head().Value())
}

func TestTruncateBefore(t *testing.T) {
	r := buildRecord(1, 2, 3, 4, 5)
	r.Lock()
	assert.Equal(t, 0, r.TruncateBefore(1))
	assert.Equal(t, 2, r.TruncateBefore(4))
	r.Unlock()
	assert.Equal(t, 3, r.Len())
	// the newest version below the watermark stays reachable
	assert.Equal(t, []byte{3}, r.TraverseTo(4).Value())
	assert.Nil(t, r.TraverseTo(3))
}

func TestTombstoneAndPlaceholder(t *testing.T) {
	p := NewInsertingRecord(1, []byte("p"))
	w := p.LoadTid()
	assert.True(t, p.IsInserting(w))
	assert.Nil(t, p.TraverseTo(100))

	r := buildRecord(1)
	r.Lock()
	r.AppendVersion(nil, NewTidWord(2, 1).WithAbsent(true))
	w = r.LoadTid()
	assert.True(t, w.IsAbsent())
	assert.True(t, w.IsLatest())
	assert.False(t, r.IsInserting(w))
	assert.True(t, r.Head().IsTombstone())
	assert.False(t, r.TraverseTo(2).IsTombstone())

	r.Lock()
	r.Unhook()
	w = r.LoadTid()
	assert.False(t, w.IsLatest())
	assert.True(t, w.IsAbsent())
	assert.False(t, w.IsLocked())
}

func TestLockAndOptimisticRead(t *testing.T) {
	r := buildRecord(1)
	w, ok := r.TryLock()
	require.True(t, ok)
	assert.False(t, w.IsLocked())
	_, ok = r.TryLock()
	assert.False(t, ok)

	_, ok = r.LoadStable(3)
	assert.False(t, ok)
	_, _, ok = r.OptimisticRead(3)
	assert.False(t, ok)

	r.Unlock()
	w, head, ok := r.OptimisticRead(3)
	require.True(t, ok)
	assert.Equal(t, uint64(1), w.Epoch())
	assert.Equal(t, []byte{1}, head.Value())
}

func TestConcurrentLock(t *testing.T) {
	r := NewRecord(1, []byte("k"), []byte{0}, NewTidWord(1, 1))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w := r.Lock()
				r.AppendVersion(nil, NewTidWord(w.Epoch(), w.Order()+1))
			}
		}()
	}
	wg.Wait()
	w := r.LoadTid()
	assert.False(t, w.IsLocked())
	assert.Equal(t, uint32(801), w.Order())
	assert.Equal(t, 801, r.Len())
}
