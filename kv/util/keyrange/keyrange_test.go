package keyrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	r := KeyRange{Left: []byte("b"), LeftEnd: Inclusive, Right: []byte("d"), RightEnd: Exclusive}
	assert.False(t, r.Contains([]byte("a")))
	assert.True(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("c")))
	assert.True(t, r.Contains([]byte("czz")))
	assert.False(t, r.Contains([]byte("d")))

	r.LeftEnd = Exclusive
	r.RightEnd = Inclusive
	assert.False(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("d")))

	assert.True(t, Full().Contains(nil))
	assert.True(t, Full().Contains([]byte("zzz")))
	assert.True(t, Point([]byte("k")).Contains([]byte("k")))
	assert.False(t, Point([]byte("k")).Contains([]byte("k0")))
}

func TestEmpty(t *testing.T) {
	assert.False(t, Full().Empty())
	assert.False(t, Point([]byte("a")).Empty())
	assert.True(t, KeyRange{Left: []byte("a"), LeftEnd: Exclusive, Right: []byte("a"), RightEnd: Inclusive}.Empty())
	assert.True(t, KeyRange{Left: []byte("b"), LeftEnd: Inclusive, Right: []byte("a"), RightEnd: Inclusive}.Empty())
	assert.False(t, KeyRange{Left: []byte("b"), LeftEnd: Inclusive, RightEnd: Inf}.Empty())
}
