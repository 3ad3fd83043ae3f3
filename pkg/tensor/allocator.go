package tensor

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Allocator hands out tensor buffers and turns them into sealed tensors
type Allocator interface {
	// Allocate returns a zeroed buffer of size bytes
	Allocate(size int) (*Buffer, error)
	// Seal freezes buf and returns an immutable handle over the same bytes
	Seal(buf *Buffer) (*Sealed, error)
	// Release gives an unsealed buffer back and freezes it
	Release(buf *Buffer)
}

// HeapAllocator allocates buffers on the Go heap, optionally bounded by a byte budget.
// Sealed tensors no longer count against the budget; ownership moves to the object store.
type HeapAllocator struct {
	limit int64
	inUse int64
	mu    sync.Mutex
}

// NewHeapAllocator creates an allocator. A limit of zero means unbounded.
func NewHeapAllocator(limit int64) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

var defaultAllocator = NewHeapAllocator(0)

// DefaultAllocator returns the shared unbounded heap allocator
func DefaultAllocator() *HeapAllocator {
	return defaultAllocator
}

// Allocate returns a zeroed buffer of size bytes
func (a *HeapAllocator) Allocate(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tensor size %d", size)
	}

	a.mu.Lock()
	if a.limit > 0 && a.inUse+int64(size) > a.limit {
		inUse := a.inUse
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfMemory, size, inUse, a.limit)
	}
	a.inUse += int64(size)
	a.mu.Unlock()

	return &Buffer{data: make([]byte, size), owner: a}, nil
}

// Seal freezes buf and returns an immutable handle over the same bytes
func (a *HeapAllocator) Seal(buf *Buffer) (*Sealed, error) {
	if buf.frozen {
		return nil, ErrSealed
	}
	buf.frozen = true
	a.uncharge(buf)

	return &Sealed{data: buf.data, checksum: xxhash.Sum64(buf.data)}, nil
}

// Release gives an unsealed buffer back and freezes it
func (a *HeapAllocator) Release(buf *Buffer) {
	if buf == nil || buf.frozen {
		return
	}
	buf.frozen = true
	a.uncharge(buf)
	buf.data = nil
}

// InUse returns the number of bytes held by unsealed buffers
func (a *HeapAllocator) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func (a *HeapAllocator) uncharge(buf *Buffer) {
	if buf.owner != a {
		return
	}
	a.mu.Lock()
	a.inUse -= int64(len(buf.data))
	a.mu.Unlock()
	buf.owner = nil
}
