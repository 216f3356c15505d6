// Package secmem holds transaction secrets - PAN, PIN block,
// cryptogram, track data - in buffers that are wiped on release and
// compared in constant time.
package secmem

import (
	"crypto/rand"
	"runtime"
	"strings"
	"sync"
)

// Buffer owns one sensitive byte slice. Release wipes the bytes in a
// fixed multi-pass pattern and marks the buffer cleared; a finalizer
// repeats the wipe as a safety net if Release was never reached.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	cleared bool
}

// New copies b into a fresh buffer. The caller should wipe its own
// copy if it no longer needs it.
func New(b []byte) *Buffer {
	buf := &Buffer{data: append([]byte(nil), b...)}
	runtime.SetFinalizer(buf, func(b *Buffer) { b.Release() })
	return buf
}

// Bytes exposes the live content. The slice aliases the protected
// memory; do not retain it past the buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleared {
		return nil
	}
	return b.data
}

// Len returns the content length, zero once cleared.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleared {
		return 0
	}
	return len(b.data)
}

// Cleared reports whether the buffer has been released.
func (b *Buffer) Cleared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared
}

// Release wipes the buffer: zeros, ones, random, zeros. Safe to call
// more than once.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleared {
		return
	}
	for i := range b.data {
		b.data[i] = 0x00
	}
	for i := range b.data {
		b.data[i] = 0xFF
	}
	rand.Read(b.data)
	for i := range b.data {
		b.data[i] = 0x00
	}
	b.cleared = true
}

// Equal compares the buffer with other in constant time. The loop
// always runs over the full length, folding differences into an XOR
// accumulator. Cleared buffers compare unequal to everything.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleared || len(b.data) != len(other) {
		return false
	}
	var acc byte
	for i := range b.data {
		acc |= b.data[i] ^ other[i]
	}
	return acc == 0
}

// Scope collects buffers that must be wiped together on every exit
// path. Defer Close right after creating one.
type Scope struct {
	mu   sync.Mutex
	held []*Buffer
}

// NewScope returns an empty scope.
func NewScope() *Scope { return &Scope{} }

// Add registers buf for release when the scope closes and returns it.
func (s *Scope) Add(buf *Buffer) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = append(s.held, buf)
	return buf
}

// Hold copies b into a new buffer registered with the scope.
func (s *Scope) Hold(b []byte) *Buffer {
	return s.Add(New(b))
}

// Close releases every registered buffer.
func (s *Scope) Close() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, buf := range held {
		buf.Release()
	}
}

// MaskPAN renders a PAN as first six + last four with the middle
// masked. Short values are fully masked.
func MaskPAN(pan string) string {
	if len(pan) < 11 {
		return strings.Repeat("*", len(pan))
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

// MaskTrack2 masks the digit run before the 'D' field separator,
// keeping the first six and last four digits of the PAN readable and
// the discretionary data hidden.
func MaskTrack2(track2 string) string {
	sep := strings.IndexByte(track2, 'D')
	if sep < 0 {
		return strings.Repeat("*", len(track2))
	}
	return MaskPAN(track2[:sep]) + "D" + strings.Repeat("*", len(track2)-sep-1)
}
