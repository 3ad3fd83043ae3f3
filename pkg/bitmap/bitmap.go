// Package bitmap implements the slot allocator used by KV cache blocks.
//
// A set bit marks a free slot. Bits past the declared capacity are kept
// clear so they can never be handed out.
package bitmap

import (
	"fmt"
	"math/bits"
	"strings"
)

const wordBits = 64

// Bitmap tracks which slots of a block are free
type Bitmap struct {
	words    []uint64
	capacity int
}

// WordCount returns the number of 64-bit words needed for capacity slots
func WordCount(capacity int) int {
	return (capacity + wordBits - 1) / wordBits
}

// New creates a bitmap with every slot in [0, capacity) free
func New(capacity int) *Bitmap {
	if capacity <= 0 {
		panic(fmt.Sprintf("bitmap: capacity must be positive, got %d", capacity))
	}

	b := &Bitmap{
		words:    make([]uint64, WordCount(capacity)),
		capacity: capacity,
	}
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	b.maskTail()
	return b
}

// FromWords restores a bitmap from persisted words.
// Tail bits past capacity are cleared regardless of their stored value.
func FromWords(capacity int, words []uint64) (*Bitmap, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bitmap capacity must be positive, got %d", capacity)
	}
	if len(words) != WordCount(capacity) {
		return nil, fmt.Errorf("bitmap for %d slots needs %d words, got %d",
			capacity, WordCount(capacity), len(words))
	}

	b := &Bitmap{
		words:    append([]uint64(nil), words...),
		capacity: capacity,
	}
	b.maskTail()
	return b, nil
}

// tailMask returns the mask of valid bits in the last word
func (b *Bitmap) tailMask() uint64 {
	rem := b.capacity % wordBits
	if rem == 0 {
		return ^uint64(0)
	}
	return (uint64(1) << rem) - 1
}

func (b *Bitmap) maskTail() {
	b.words[len(b.words)-1] &= b.tailMask()
}

// Capacity returns the number of addressable slots
func (b *Bitmap) Capacity() int {
	return b.capacity
}

// Words returns a copy of the underlying words
func (b *Bitmap) Words() []uint64 {
	return append([]uint64(nil), b.words...)
}

// Clone returns an independent copy
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{
		words:    append([]uint64(nil), b.words...),
		capacity: b.capacity,
	}
}

// FindFirstFree returns the lowest free slot, or false when none is left.
// It does not modify the bitmap.
func (b *Bitmap) FindFirstFree() (int, bool) {
	for i, w := range b.words {
		if w != 0 {
			return i*wordBits + bits.TrailingZeros64(w), true
		}
	}
	return -1, false
}

// IsFree reports whether slot i is free
func (b *Bitmap) IsFree(i int) bool {
	b.checkRange(i)
	return b.words[i/wordBits]&(uint64(1)<<(i%wordBits)) != 0
}

// MarkUsed marks a free slot as used. It panics if the slot is already used.
func (b *Bitmap) MarkUsed(i int) {
	if !b.IsFree(i) {
		panic(fmt.Sprintf("bitmap: slot %d is already in use", i))
	}
	b.words[i/wordBits] &^= uint64(1) << (i % wordBits)
}

// MarkFree releases a used slot. It panics if the slot is already free.
func (b *Bitmap) MarkFree(i int) {
	if b.IsFree(i) {
		panic(fmt.Sprintf("bitmap: slot %d is already free", i))
	}
	b.words[i/wordBits] |= uint64(1) << (i % wordBits)
}

// IsFull reports whether no slot in [0, capacity) is free
func (b *Bitmap) IsFull() bool {
	last := len(b.words) - 1
	for i := 0; i < last; i++ {
		if b.words[i] != 0 {
			return false
		}
	}
	return b.words[last]&b.tailMask() == 0
}

// IsEmpty reports whether every slot is free
func (b *Bitmap) IsEmpty() bool {
	return b.FreeCount() == b.capacity
}

// FreeCount returns the number of free slots
func (b *Bitmap) FreeCount() int {
	n := 0
	last := len(b.words) - 1
	for i := 0; i < last; i++ {
		n += bits.OnesCount64(b.words[i])
	}
	return n + bits.OnesCount64(b.words[last]&b.tailMask())
}

// UsedCount returns the number of occupied slots
func (b *Bitmap) UsedCount() int {
	return b.capacity - b.FreeCount()
}

// String renders one character per slot, highest slot first; '1' means free.
func (b *Bitmap) String() string {
	var sb strings.Builder
	sb.Grow(b.capacity)
	for i := b.capacity - 1; i >= 0; i-- {
		if b.IsFree(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func (b *Bitmap) checkRange(i int) {
	if i < 0 || i >= b.capacity {
		panic(fmt.Sprintf("bitmap: slot %d out of range [0, %d)", i, b.capacity))
	}
}
