// Package kvblock stores per-layer key/value attention state for a fixed number
// of token slots. A Builder is the mutable form, a Block the sealed form that has
// been published to an object store.
package kvblock

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/KevoDB/kvcache/pkg/bitmap"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

// TypeName identifies KV cache block records in the object store
const TypeName = "kvcache.Block"

// KV is one layer's key and value state for a single token slot
type KV struct {
	Key   []byte
	Value []byte
}

// Block is an immutable, sealed KV cache block
type Block struct {
	id        objstore.ObjectID
	layers    int
	capacity  int
	slotWidth int
	bitmap    *bitmap.Bitmap
	keys      []*tensor.Sealed
	values    []*tensor.Sealed
}

// FromObject rebuilds a Block from an object fetched from a store
func FromObject(obj *objstore.Object) (*Block, error) {
	if obj == nil || obj.Record == nil {
		return nil, fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}
	rec := obj.Record
	if rec.TypeName != TypeName {
		return nil, fmt.Errorf("%w: object %s has type %q, want %q", ErrInvalidArgument, obj.ID, rec.TypeName, TypeName)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: object %s: %w", ErrInvalidArgument, obj.ID, err)
	}

	bm, err := bitmap.FromWords(rec.Capacity, rec.Bitmap)
	if err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", ErrInvalidArgument, obj.ID, err)
	}

	return &Block{
		id:        obj.ID,
		layers:    rec.Layers,
		capacity:  rec.Capacity,
		slotWidth: rec.SlotWidth,
		bitmap:    bm,
		keys:      rec.Keys,
		values:    rec.Values,
	}, nil
}

// ID returns the object id the block was published under
func (b *Block) ID() objstore.ObjectID { return b.id }

// Layers returns the number of layers
func (b *Block) Layers() int { return b.layers }

// Capacity returns the number of token slots
func (b *Block) Capacity() int { return b.capacity }

// SlotWidth returns the byte width of one slot in one tensor
func (b *Block) SlotWidth() int { return b.slotWidth }

// IsFull reports whether every slot was occupied when the block was sealed
func (b *Block) IsFull() bool { return b.bitmap.IsFull() }

// IsFree reports whether slot i was free when the block was sealed
func (b *Block) IsFree(i int) bool {
	return i >= 0 && i < b.capacity && b.bitmap.IsFree(i)
}

// Used returns the number of occupied slots
func (b *Block) Used() int { return b.bitmap.UsedCount() }

// BitmapString renders the bitmap highest slot first, '1' for free slots
func (b *Block) BitmapString() string { return b.bitmap.String() }

// KeyTensor returns the sealed key tensor of layer l
func (b *Block) KeyTensor(l int) *tensor.Sealed { return b.keys[l] }

// ValueTensor returns the sealed value tensor of layer l
func (b *Block) ValueTensor(l int) *tensor.Sealed { return b.values[l] }

// Query fills kv with views of slot index in every layer. Like Builder.Query it does
// not consult the bitmap. The views alias shared sealed memory and must not be written.
func (b *Block) Query(index int, kv []KV) error {
	if err := checkQuery(index, b.capacity, kv, b.layers); err != nil {
		return err
	}
	for l := 0; l < b.layers; l++ {
		k, err := b.keys[l].Slot(index, b.slotWidth)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		v, err := b.values[l].Slot(index, b.slotWidth)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		kv[l] = KV{Key: k, Value: v}
	}
	return nil
}

// Record returns the record describing the block, suitable for CreateMetadata on another store
func (b *Block) Record() *objstore.Record {
	return &objstore.Record{
		TypeName:  TypeName,
		Layers:    b.layers,
		Capacity:  b.capacity,
		SlotWidth: b.slotWidth,
		Bitmap:    b.bitmap.Words(),
		Keys:      b.keys,
		Values:    b.values,
	}
}

// Dump writes every layer and slot of the block to w
func (b *Block) Dump(w io.Writer) error {
	header := fmt.Sprintf("block %s layers=%d capacity=%d slot_width=%d", b.id, b.layers, b.capacity, b.slotWidth)
	return dump(w, header, b.bitmap, b.layers, b.capacity, b.slotWidth,
		func(l int) []byte { return b.keys[l].Bytes() },
		func(l int) []byte { return b.values[l].Bytes() })
}

func checkQuery(index, capacity int, kv []KV, layers int) error {
	if index < 0 || index >= capacity {
		return fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, index, capacity)
	}
	if len(kv) != layers {
		return fmt.Errorf("%w: got %d layers, want %d", ErrInvalidArgument, len(kv), layers)
	}
	return nil
}

func dump(w io.Writer, header string, bm *bitmap.Bitmap, layers, capacity, slotWidth int,
	keys, values func(l int) []byte) error {

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nbitmap: %s\n", header, bm.String())
	for l := 0; l < layers; l++ {
		fmt.Fprintf(&sb, "layer %d\n", l)
		k, v := keys(l), values(l)
		for i := 0; i < capacity; i++ {
			state := "used"
			if bm.IsFree(i) {
				state = "free"
			}
			off := i * slotWidth
			fmt.Fprintf(&sb, "  slot %d (%s) key: %s value: %s\n", i, state,
				formatBytes(k[off:off+slotWidth]), formatBytes(v[off:off+slotWidth]))
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func formatBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = strconv.Itoa(int(c))
	}
	return strings.Join(parts, " ")
}
