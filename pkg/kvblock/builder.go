package kvblock

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/KevoDB/kvcache/pkg/bitmap"
	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/telemetry"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

type builderState int

const (
	stateActive builderState = iota
	stateSealed
	stateDiscarded
)

func (s builderState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateSealed:
		return "sealed"
	case stateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Builder is a mutable KV cache block. It owns one key and one value buffer per
// layer, each holding capacity slots of slotWidth bytes, and a bitmap of free slots.
//
// A Builder is not safe for concurrent mutation; one owner drives Update, Split
// and Seal. Views returned by Query for different slots may be used concurrently.
type Builder struct {
	alloc     tensor.Allocator
	layers    int
	capacity  int
	slotWidth int
	bitmap    *bitmap.Bitmap
	keys      []*tensor.Buffer
	values    []*tensor.Buffer
	state     builderState

	logger  log.Logger
	metrics BlockMetrics
	stats   stats.Collector
	copier  *tensor.Copier
}

// NewBuilder creates an empty builder with every slot free.
// A nil allocator selects tensor.DefaultAllocator.
func NewBuilder(alloc tensor.Allocator, slotWidth, layers, capacity int, opts ...Option) (*Builder, error) {
	return newBuilder(alloc, slotWidth, layers, capacity, applyOptions(opts))
}

func newBuilder(alloc tensor.Allocator, slotWidth, layers, capacity int, o options) (*Builder, error) {
	if slotWidth <= 0 || layers <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("%w: slot_width=%d layers=%d capacity=%d must be positive",
			ErrInvalidArgument, slotWidth, layers, capacity)
	}
	if slotWidth > math.MaxInt/capacity {
		return nil, fmt.Errorf("%w: tensor of %d slots of %d bytes is too large", ErrInvalidArgument, capacity, slotWidth)
	}
	if alloc == nil {
		alloc = tensor.DefaultAllocator()
	}

	b := &Builder{
		alloc:     alloc,
		layers:    layers,
		capacity:  capacity,
		slotWidth: slotWidth,
		bitmap:    bitmap.New(capacity),
		keys:      make([]*tensor.Buffer, layers),
		values:    make([]*tensor.Buffer, layers),
		logger: o.logger.WithFields(map[string]interface{}{
			"component": telemetry.ComponentBuilder,
			"layers":    layers,
			"capacity":  capacity,
		}),
		metrics: o.metrics,
		stats:   o.stats,
		copier:  o.copier,
	}

	size := capacity * slotWidth
	for l := 0; l < layers; l++ {
		var err error
		if b.keys[l], err = alloc.Allocate(size); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: layer %d key tensor: %w", ErrResourceExhausted, l, err)
		}
		if b.values[l], err = alloc.Allocate(size); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: layer %d value tensor: %w", ErrResourceExhausted, l, err)
		}
	}
	b.trackTensorBytes()

	return b, nil
}

// NewBuilderFromBlock creates a builder holding a private copy of blk's bitmap and tensors
func NewBuilderFromBlock(alloc tensor.Allocator, blk *Block, opts ...Option) (*Builder, error) {
	return newBuilderFromBlock(alloc, blk, applyOptions(opts))
}

func newBuilderFromBlock(alloc tensor.Allocator, blk *Block, o options) (*Builder, error) {
	if blk == nil {
		return nil, fmt.Errorf("%w: nil block", ErrInvalidArgument)
	}

	b, err := newBuilder(alloc, blk.slotWidth, blk.layers, blk.capacity, o)
	if err != nil {
		return nil, err
	}
	b.bitmap = blk.bitmap.Clone()

	for l := 0; l < b.layers; l++ {
		if err := b.copyTensor(b.keys[l], blk.keys[l]); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: layer %d key tensor: %v", ErrInternal, l, err)
		}
		if err := b.copyTensor(b.values[l], blk.values[l]); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: layer %d value tensor: %v", ErrInternal, l, err)
		}
	}

	b.logger.Debug("Copied block %s into builder (%d slots used)", blk.id, b.bitmap.UsedCount())
	return b, nil
}

func (b *Builder) copyTensor(dst *tensor.Buffer, src *tensor.Sealed) error {
	data, err := dst.Bytes()
	if err != nil {
		return err
	}
	return b.copier.Copy(data, src.Bytes())
}

// MakeBuilder fetches the block stored under id and returns a builder holding a copy of it.
// When the store returns the object under a different id it handed out a local replica of a
// remote block; that replica is deleted once copied. Failing to delete it is logged and
// does not fail construction.
func MakeBuilder(ctx context.Context, store objstore.Store, alloc tensor.Allocator, id objstore.ObjectID, opts ...Option) (*Builder, error) {
	o := applyOptions(opts)

	obj, err := store.FetchObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.ID != id {
		defer deleteReplica(ctx, store, id, obj.ID, o)
	}

	blk, err := FromObject(obj)
	if err != nil {
		return nil, err
	}
	return newBuilderFromBlock(alloc, blk, o)
}

func deleteReplica(ctx context.Context, store objstore.Store, id, replica objstore.ObjectID, o options) {
	err := store.DeleteObject(ctx, replica)
	o.metrics.RecordReplicaCleanup(ctx, err)
	if err != nil {
		o.logger.WithField("component", telemetry.ComponentBuilder).
			Error("Failed to delete replica %s of block %s: %v", replica, id, err)
		if o.stats != nil {
			o.stats.TrackError("builder_replica_cleanup")
		}
		return
	}
	o.logger.Debug("Deleted replica %s of block %s", replica, id)
}

// Layers returns the number of layers
func (b *Builder) Layers() int { return b.layers }

// Capacity returns the number of token slots
func (b *Builder) Capacity() int { return b.capacity }

// SlotWidth returns the byte width of one slot in one tensor
func (b *Builder) SlotWidth() int { return b.slotWidth }

// IsFull reports whether every slot is occupied
func (b *Builder) IsFull() bool { return b.bitmap.IsFull() }

// IsFree reports whether slot i is free. Out of range slots are never free.
func (b *Builder) IsFree(i int) bool {
	return i >= 0 && i < b.capacity && b.bitmap.IsFree(i)
}

// Used returns the number of occupied slots
func (b *Builder) Used() int { return b.bitmap.UsedCount() }

// FindFirstFree returns the lowest free slot without claiming it
func (b *Builder) FindFirstFree() (int, bool) { return b.bitmap.FindFirstFree() }

// BitmapString renders the bitmap highest slot first, '1' for free slots
func (b *Builder) BitmapString() string { return b.bitmap.String() }

// Sealed reports whether Seal has been called
func (b *Builder) Sealed() bool { return b.state == stateSealed }

func (b *Builder) checkActive() error {
	if b.state != stateActive {
		return fmt.Errorf("%w: builder is %s", ErrInvalidState, b.state)
	}
	return nil
}

// Query fills kv with writable views of slot index in every layer, at byte offset
// index*SlotWidth of each tensor.
//
// Query does not consult the bitmap: reading a free slot returns whatever bytes it
// last held, and writing through the views does not mark the slot used.
func (b *Builder) Query(index int, kv []KV) (err error) {
	start := time.Now()
	defer func() { b.observe(context.Background(), telemetry.OpTypeQuery, stats.OpQuery, start, err) }()

	if err := b.checkActive(); err != nil {
		return err
	}
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

// Update copies one token's key/value state for every layer into the lowest free slot
// and returns that slot. Every kv[l].Key and kv[l].Value must be exactly SlotWidth bytes.
// Nothing is written unless the whole update is valid.
func (b *Builder) Update(kv []KV) (index int, err error) {
	start := time.Now()
	defer func() { b.observe(context.Background(), telemetry.OpTypeUpdate, stats.OpUpdate, start, err) }()

	if err := b.checkActive(); err != nil {
		return -1, err
	}

	index, ok := b.bitmap.FindFirstFree()
	if !ok {
		return -1, fmt.Errorf("%w: all %d slots are in use", ErrResourceExhausted, b.capacity)
	}

	if len(kv) != b.layers {
		return -1, fmt.Errorf("%w: got %d layers, want %d", ErrInvalidArgument, len(kv), b.layers)
	}
	for l, p := range kv {
		if len(p.Key) != b.slotWidth || len(p.Value) != b.slotWidth {
			return -1, fmt.Errorf("%w: layer %d has key of %d bytes and value of %d bytes, want %d",
				ErrInvalidArgument, l, len(p.Key), len(p.Value), b.slotWidth)
		}
	}

	for l, p := range kv {
		if err := b.copySlot(b.keys[l], index, p.Key); err != nil {
			return -1, fmt.Errorf("%w: layer %d key: %v", ErrInternal, l, err)
		}
		if err := b.copySlot(b.values[l], index, p.Value); err != nil {
			return -1, fmt.Errorf("%w: layer %d value: %v", ErrInternal, l, err)
		}
	}
	b.bitmap.MarkUsed(index)

	if b.stats != nil {
		b.stats.TrackSlots(1, 0)
	}
	b.metrics.RecordOccupancy(context.Background(), b.bitmap.UsedCount(), b.capacity)
	return index, nil
}

func (b *Builder) copySlot(dst *tensor.Buffer, index int, src []byte) error {
	slot, err := dst.Slot(index, b.slotWidth)
	if err != nil {
		return err
	}
	return b.copier.Copy(slot, src)
}

// Split moves the token held in slot index into the lowest free slot of child and
// returns that slot. Afterwards the slot is free here and occupied in child.
func (b *Builder) Split(child *Builder, index int) (childIndex int, err error) {
	start := time.Now()
	defer func() { b.observe(context.Background(), telemetry.OpTypeSplit, stats.OpSplit, start, err) }()

	if err := b.checkActive(); err != nil {
		return -1, err
	}
	if child == nil || child == b {
		return -1, fmt.Errorf("%w: split needs a distinct child builder", ErrInvalidArgument)
	}
	if err := child.checkActive(); err != nil {
		return -1, fmt.Errorf("child: %w", err)
	}
	if child.layers != b.layers || child.slotWidth != b.slotWidth {
		return -1, fmt.Errorf("%w: child has %d layers of %d-byte slots, want %d of %d",
			ErrInvalidArgument, child.layers, child.slotWidth, b.layers, b.slotWidth)
	}
	if index < 0 || index >= b.capacity {
		return -1, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, index, b.capacity)
	}
	if b.bitmap.IsFree(index) {
		return -1, fmt.Errorf("%w: slot %d is not occupied", ErrInvalidArgument, index)
	}

	childIndex, ok := child.bitmap.FindFirstFree()
	if !ok {
		return -1, fmt.Errorf("%w: child has no free slot", ErrResourceExhausted)
	}

	for l := 0; l < b.layers; l++ {
		if err := moveSlot(b, child, b.keys[l], child.keys[l], index, childIndex); err != nil {
			return -1, fmt.Errorf("%w: layer %d key: %v", ErrInternal, l, err)
		}
		if err := moveSlot(b, child, b.values[l], child.values[l], index, childIndex); err != nil {
			return -1, fmt.Errorf("%w: layer %d value: %v", ErrInternal, l, err)
		}
	}
	child.bitmap.MarkUsed(childIndex)
	b.bitmap.MarkFree(index)

	if b.stats != nil {
		b.stats.TrackSlots(1, 1)
	}
	b.logger.Debug("Moved slot %d to child slot %d", index, childIndex)
	return childIndex, nil
}

func moveSlot(from, to *Builder, src, dst *tensor.Buffer, srcIndex, dstIndex int) error {
	s, err := src.Slot(srcIndex, from.slotWidth)
	if err != nil {
		return err
	}
	d, err := dst.Slot(dstIndex, to.slotWidth)
	if err != nil {
		return err
	}
	return from.copier.Copy(d, s)
}

// Seal freezes every tensor, publishes the block to store and returns the sealed Block.
// The builder cannot be used afterwards, even when publishing fails.
func (b *Builder) Seal(ctx context.Context, store objstore.Store) (blk *Block, err error) {
	start := time.Now()
	defer func() { b.observe(ctx, telemetry.OpTypeSeal, stats.OpSeal, start, err) }()

	if err := b.checkActive(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil object store", ErrInvalidArgument)
	}

	rec := &objstore.Record{
		TypeName:  TypeName,
		Layers:    b.layers,
		Capacity:  b.capacity,
		SlotWidth: b.slotWidth,
		Bitmap:    b.bitmap.Words(),
		Keys:      make([]*tensor.Sealed, b.layers),
		Values:    make([]*tensor.Sealed, b.layers),
	}

	b.state = stateSealed
	for l := 0; l < b.layers; l++ {
		if rec.Keys[l], err = b.alloc.Seal(b.keys[l]); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: sealing layer %d key tensor: %v", ErrInternal, l, err)
		}
		if rec.Values[l], err = b.alloc.Seal(b.values[l]); err != nil {
			b.release()
			return nil, fmt.Errorf("%w: sealing layer %d value tensor: %v", ErrInternal, l, err)
		}
	}
	b.keys, b.values = nil, nil
	b.trackTensorBytes()

	id, err := store.CreateMetadata(ctx, rec)
	if err != nil {
		b.logger.Error("Failed to publish sealed block: %v", err)
		return nil, fmt.Errorf("failed to create block metadata: %w", err)
	}

	b.metrics.RecordSeal(ctx, b.layers, rec.Size())
	b.logger.Debug("Sealed block %s with %d of %d slots used", id, b.bitmap.UsedCount(), b.capacity)

	return &Block{
		id:        id,
		layers:    b.layers,
		capacity:  b.capacity,
		slotWidth: b.slotWidth,
		bitmap:    b.bitmap.Clone(),
		keys:      rec.Keys,
		values:    rec.Values,
	}, nil
}

// Discard releases the builder's tensors without publishing them.
// It is a no-op on a sealed or already discarded builder.
func (b *Builder) Discard() {
	if b.state != stateActive {
		return
	}
	b.state = stateDiscarded
	b.release()
	b.trackTensorBytes()
}

// Dump writes every layer and slot of the builder to w
func (b *Builder) Dump(w io.Writer) error {
	if err := b.checkActive(); err != nil {
		return err
	}

	header := fmt.Sprintf("builder layers=%d capacity=%d slot_width=%d", b.layers, b.capacity, b.slotWidth)
	return dump(w, header, b.bitmap, b.layers, b.capacity, b.slotWidth,
		func(l int) []byte { data, _ := b.keys[l].Bytes(); return data },
		func(l int) []byte { data, _ := b.values[l].Bytes(); return data })
}

// release gives every unsealed buffer back to the allocator
func (b *Builder) release() {
	for _, bufs := range [][]*tensor.Buffer{b.keys, b.values} {
		for _, buf := range bufs {
			if buf != nil {
				b.alloc.Release(buf)
			}
		}
	}
	b.keys, b.values = nil, nil
}

func (b *Builder) trackTensorBytes() {
	if b.stats == nil {
		return
	}
	if heap, ok := b.alloc.(interface{ InUse() int64 }); ok {
		b.stats.TrackTensorBytes(uint64(heap.InUse()))
	}
}

func (b *Builder) observe(ctx context.Context, opType string, op stats.OperationType, start time.Time, err error) {
	elapsed := time.Since(start)
	b.metrics.RecordOperation(ctx, opType, elapsed, err)
	if b.stats == nil {
		return
	}
	b.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		b.stats.TrackError("builder_" + errorType(err))
	}
}
