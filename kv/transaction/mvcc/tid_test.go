package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTidWordLayout(t *testing.T) {
	w := NewTidWord(7, 42)
	assert.Equal(t, uint64(7), w.Epoch())
	assert.Equal(t, uint32(42), w.Order())
	assert.False(t, w.IsLocked())
	assert.False(t, w.IsLatest())
	assert.False(t, w.IsAbsent())
	assert.Equal(t, TidWord(7<<32|42<<3), w)

	w = w.WithLock(true).WithLatest(true).WithAbsent(true)
	assert.True(t, w.IsLocked())
	assert.True(t, w.IsLatest())
	assert.True(t, w.IsAbsent())
	assert.Equal(t, uint64(7), w.Epoch())
	assert.Equal(t, uint32(42), w.Order())
	assert.Equal(t, NewTidWord(7, 42), w.Stamp())

	w = w.WithLock(false)
	assert.False(t, w.IsLocked())
	assert.True(t, w.IsLatest())
}

func TestTidWordMaxFields(t *testing.T) {
	w := NewTidWord(MaxEpoch, MaxShortOrder|LongOrderBit)
	assert.Equal(t, MaxEpoch, w.Epoch())
	assert.Equal(t, MaxShortOrder|LongOrderBit, w.Order())
	assert.True(t, w.IsLong())
	assert.False(t, w.IsLocked())
}

func TestTidWordOrder(t *testing.T) {
	assert.True(t, NewTidWord(1, 100).Less(NewTidWord(2, 0)))
	assert.True(t, NewTidWord(2, 1).Less(NewTidWord(2, 2)))
	assert.Equal(t, 0, NewTidWord(2, 2).WithLock(true).Compare(NewTidWord(2, 2).WithAbsent(true)))

	// long transactions sort after short ones of the same epoch
	long := NewTidWord(3, LongOrder(1))
	assert.True(t, long.IsLong())
	assert.True(t, NewTidWord(3, MaxShortOrder).Less(long))
	assert.True(t, long.Less(NewTidWord(3, LongOrder(2))))
	assert.True(t, long.Less(NewTidWord(4, 0)))
	assert.False(t, NewTidWord(3, MaxShortOrder).IsLong())
}
