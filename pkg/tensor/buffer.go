// Package tensor provides the byte regions that back per-layer key and value
// tensors, and the allocator that hands them out and seals them.
package tensor

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the allocator budget
	ErrOutOfMemory = errors.New("tensor memory budget exhausted")
	// ErrSealed is returned when a buffer is used after it was sealed or released
	ErrSealed = errors.New("tensor buffer is sealed")
	// ErrOutOfRange is returned for slot accesses outside the buffer
	ErrOutOfRange = errors.New("tensor access out of range")
)

// Buffer is a mutable, fixed-length byte region owned by exactly one builder.
// It is never copied implicitly; use Copy to duplicate its bytes.
type Buffer struct {
	data   []byte
	frozen bool
	owner  *HeapAllocator
}

// Len returns the buffer size in bytes
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the whole writable region
func (b *Buffer) Bytes() ([]byte, error) {
	if b.frozen {
		return nil, ErrSealed
	}
	return b.data, nil
}

// Slot returns the width-byte region at byte offset index*width
func (b *Buffer) Slot(index, width int) ([]byte, error) {
	if b.frozen {
		return nil, ErrSealed
	}
	return slot(b.data, index, width)
}

// Frozen reports whether the buffer was sealed or released
func (b *Buffer) Frozen() bool {
	return b.frozen
}

// Sealed is an immutable tensor shared through the object store.
// Slices returned from it alias shared memory and must not be modified.
type Sealed struct {
	data     []byte
	checksum uint64
}

// NewSealed wraps bytes decoded from storage as a sealed tensor.
// The caller gives up ownership of data.
func NewSealed(data []byte) *Sealed {
	return &Sealed{data: data, checksum: xxhash.Sum64(data)}
}

// Len returns the tensor size in bytes
func (s *Sealed) Len() int {
	return len(s.data)
}

// Bytes returns the read-only contents
func (s *Sealed) Bytes() []byte {
	return s.data
}

// Checksum returns the xxhash64 of the contents taken at seal time
func (s *Sealed) Checksum() uint64 {
	return s.checksum
}

// Verify recomputes the checksum and compares it to the sealed one
func (s *Sealed) Verify() error {
	if got := xxhash.Sum64(s.data); got != s.checksum {
		return fmt.Errorf("tensor checksum mismatch: sealed %016x, computed %016x", s.checksum, got)
	}
	return nil
}

// Slot returns the read-only width-byte region at byte offset index*width
func (s *Sealed) Slot(index, width int) ([]byte, error) {
	return slot(s.data, index, width)
}

func slot(data []byte, index, width int) ([]byte, error) {
	if index < 0 || width <= 0 {
		return nil, fmt.Errorf("%w: slot %d width %d", ErrOutOfRange, index, width)
	}
	start := index * width
	end := start + width
	if end > len(data) {
		return nil, fmt.Errorf("%w: slot %d width %d exceeds %d bytes", ErrOutOfRange, index, width, len(data))
	}
	return data[start:end:end], nil
}
