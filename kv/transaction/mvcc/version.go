package mvcc

import (
	"go.uber.org/atomic"
)

// Version is one committed value of a record. The value and stamp never change after creation; the link to the
// older version is rewritten only by the record's lock holder or by GC.
type Version struct {
	value []byte
	tid   TidWord
	next  atomic.Pointer[Version]
}

// NewVersion creates an unlinked version. A nil value together with an absent tid makes a tombstone.
func NewVersion(value []byte, tid TidWord) *Version {
	return &Version{value: value, tid: tid.WithLock(false).WithLatest(false)}
}

func (v *Version) Value() []byte { return v.value }
func (v *Version) Tid() TidWord   { return v.tid }
func (v *Version) Next() *Version { return v.next.Load() }

// IsTombstone reports whether the version records a deletion.
func (v *Version) IsTombstone() bool { return v.tid.IsAbsent() }

// visibleBefore reports whether a reader serialized at bound can see v. Versions of earlier epochs are always
// visible. Within bound's epoch only long transaction versions with a smaller order are, because short
// transactions of that epoch are serialized after every long transaction starting in it.
func (v *Version) visibleBefore(bound TidWord) bool {
	e, be := v.tid.Epoch(), bound.Epoch()
	if e != be {
		return e < be
	}
	return v.tid.IsLong() && bound.IsLong() && v.tid.Order() < bound.Order()
}
