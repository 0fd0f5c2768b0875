package mvcc

import (
	"fmt"
)

// TidWord is the 64-bit timestamp word stamped on every record and version.
//
//	bit  0      lock
//	bit  1      latest
//	bit  2      absent
//	bits 3..31  intra-epoch order, bit 31 marks a long transaction
//	bits 32..63 epoch
//
// Words are ordered by epoch first and intra-epoch order second. The flag bits
// never take part in ordering. Because the long bit is the top bit of the order
// field, a long transaction's word sorts after every short word of the same
// epoch.
type TidWord uint64

const (
	lockBit   TidWord = 1 << 0
	latestBit TidWord = 1 << 1
	absentBit TidWord = 1 << 2

	flagBits  = 3
	orderBits = 29
	epochBits = 32

	flagMask  TidWord = 1<<flagBits - 1
	orderMask uint32  = 1<<orderBits - 1

	// LongOrderBit is set in the intra-epoch order of words written by long transactions.
	LongOrderBit uint32 = 1 << (orderBits - 1)
	// MaxShortOrder is the largest intra-epoch order a short transaction may use.
	MaxShortOrder uint32 = LongOrderBit - 1
	// MaxEpoch is the largest epoch representable in a TidWord.
	MaxEpoch uint64 = 1<<epochBits - 1
)

// NewTidWord packs an epoch and an intra-epoch order into an unlocked word with no flags set.
func NewTidWord(epoch uint64, order uint32) TidWord {
	return TidWord(epoch<<(flagBits+orderBits)) | TidWord(order&orderMask)<<flagBits
}

// LongOrder returns the intra-epoch order used by the long transaction with the given priority id.
func LongOrder(id uint64) uint32 {
	return LongOrderBit | uint32(id)&(LongOrderBit-1)
}

func (w TidWord) Epoch() uint64 {
	return uint64(w) >> (flagBits + orderBits)
}

func (w TidWord) Order() uint32 {
	return uint32(w>>flagBits) & orderMask
}

func (w TidWord) IsLocked() bool { return w&lockBit != 0 }
func (w TidWord) IsLatest() bool { return w&latestBit != 0 }
func (w TidWord) IsAbsent() bool { return w&absentBit != 0 }

// IsLong reports whether the word was produced by a long transaction.
func (w TidWord) IsLong() bool { return w.Order()&LongOrderBit != 0 }

func (w TidWord) WithLock(on bool) TidWord   { return w.with(lockBit, on) }
func (w TidWord) WithLatest(on bool) TidWord { return w.with(latestBit, on) }
func (w TidWord) WithAbsent(on bool) TidWord { return w.with(absentBit, on) }

func (w TidWord) with(bit TidWord, on bool) TidWord {
	if on {
		return w | bit
	}
	return w &^ bit
}

// Stamp strips the flag bits, leaving only the orderable part of the word.
func (w TidWord) Stamp() TidWord {
	return w &^ flagMask
}

// Compare orders two words by (epoch, order), ignoring flags.
func (w TidWord) Compare(o TidWord) int {
	a, b := w>>flagBits, o>>flagBits
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (w TidWord) Less(o TidWord) bool {
	return w.Compare(o) < 0
}

func (w TidWord) String() string {
	return fmt.Sprintf("{epoch:%d order:%d lock:%v latest:%v absent:%v}",
		w.Epoch(), w.Order(), w.IsLocked(), w.IsLatest(), w.IsAbsent())
}
