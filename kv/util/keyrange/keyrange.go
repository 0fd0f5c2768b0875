// Package keyrange describes key intervals with inclusive, exclusive or unbounded endpoints.
package keyrange

import (
	"bytes"
	"fmt"
)

type Endpoint int

const (
	Inclusive Endpoint = iota
	Exclusive
	Inf
)

func (e Endpoint) String() string {
	switch e {
	case Inclusive:
		return "inclusive"
	case Exclusive:
		return "exclusive"
	case Inf:
		return "inf"
	}
	return fmt.Sprintf("Endpoint(%d)", int(e))
}

// KeyRange is the interval between Left and Right. A key on an Inf side is ignored.
type KeyRange struct {
	Left     []byte
	LeftEnd  Endpoint
	Right    []byte
	RightEnd Endpoint
}

// Full returns the range covering every key.
func Full() KeyRange {
	return KeyRange{LeftEnd: Inf, RightEnd: Inf}
}

// Point returns the range containing only key.
func Point(key []byte) KeyRange {
	return KeyRange{Left: key, LeftEnd: Inclusive, Right: key, RightEnd: Inclusive}
}

// Contains reports whether key lies inside the range.
func (r KeyRange) Contains(key []byte) bool {
	return !r.BeforeLeft(key) && !r.AfterRight(key)
}

// BeforeLeft reports whether key sorts before the left boundary.
func (r KeyRange) BeforeLeft(key []byte) bool {
	switch r.LeftEnd {
	case Inclusive:
		return bytes.Compare(key, r.Left) < 0
	case Exclusive:
		return bytes.Compare(key, r.Left) <= 0
	}
	return false
}

// AfterRight reports whether key sorts after the right boundary.
func (r KeyRange) AfterRight(key []byte) bool {
	switch r.RightEnd {
	case Inclusive:
		return bytes.Compare(key, r.Right) > 0
	case Exclusive:
		return bytes.Compare(key, r.Right) >= 0
	}
	return false
}

// Empty reports whether no key can satisfy the range.
func (r KeyRange) Empty() bool {
	if r.LeftEnd == Inf || r.RightEnd == Inf {
		return false
	}
	c := bytes.Compare(r.Left, r.Right)
	if c > 0 {
		return true
	}
	return c == 0 && (r.LeftEnd == Exclusive || r.RightEnd == Exclusive)
}

func (r KeyRange) String() string {
	l, rr := "(-inf", "+inf)"
	switch r.LeftEnd {
	case Inclusive:
		l = fmt.Sprintf("[%q", r.Left)
	case Exclusive:
		l = fmt.Sprintf("(%q", r.Left)
	}
	switch r.RightEnd {
	case Inclusive:
		rr = fmt.Sprintf("%q]", r.Right)
	case Exclusive:
		rr = fmt.Sprintf("%q)", r.Right)
	}
	return l + ", " + rr
}
