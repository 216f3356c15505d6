package secmem

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertMemCleared(t *testing.T, b []byte) {
	t.Helper()
	for k := range b {
		assert.Exactly(t, uint8(0x00), b[k])
	}
}

func TestReleaseWipes(t *testing.T) {
	raw := []byte{0x41, 0x11, 0x11, 0x11}
	buf := New(raw)
	backing := buf.data
	buf.Release()
	assertMemCleared(t, backing)
	if !buf.Cleared() {
		t.Error("buffer not marked cleared")
	}
	if buf.Bytes() != nil || buf.Len() != 0 {
		t.Error("cleared buffer still exposes content")
	}
	buf.Release() // second release is a no-op
}

func TestEqual(t *testing.T) {
	buf := New([]byte{1, 2, 3, 4})
	if !buf.Equal([]byte{1, 2, 3, 4}) {
		t.Error("equal content compared unequal")
	}
	if buf.Equal([]byte{9, 2, 3, 4}) {
		t.Error("first-byte difference compared equal")
	}
	if buf.Equal([]byte{1, 2, 3}) {
		t.Error("length difference compared equal")
	}
	buf.Release()
	if buf.Equal([]byte{1, 2, 3, 4}) {
		t.Error("cleared buffer compared equal")
	}
}

func TestScopeReleasesAll(t *testing.T) {
	scope := NewScope()
	a := scope.Hold([]byte{0xAA, 0xBB})
	b := scope.Hold([]byte{0xCC})
	backingA, backingB := a.data, b.data
	scope.Close()
	assertMemCleared(t, backingA)
	assertMemCleared(t, backingB)
	if !a.Cleared() || !b.Cleared() {
		t.Error("scope left a buffer live")
	}
}

func TestMaskPAN(t *testing.T) {
	assert.Equal(t, "411111******1111", MaskPAN("4111111111111111"))
	assert.Equal(t, "****", MaskPAN("4111"))
}

func TestMaskTrack2(t *testing.T) {
	masked := MaskTrack2("4111111111111111D26082011234567890")
	assert.Equal(t, "411111******1111D"+strings.Repeat("*", 17), masked)
	assert.Equal(t, "*****", MaskTrack2("41111"))
}
