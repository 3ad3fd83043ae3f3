package kvblock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

func TestNewBuilder(t *testing.T) {
	b := newTestBuilder(t, nil, 8, 3, 100)

	if b.Layers() != 3 || b.Capacity() != 100 || b.SlotWidth() != 8 {
		t.Errorf("unexpected shape %d/%d/%d", b.Layers(), b.Capacity(), b.SlotWidth())
	}
	if b.Used() != 0 || b.IsFull() {
		t.Errorf("new builder should be empty")
	}
	if i, ok := b.FindFirstFree(); !ok || i != 0 {
		t.Errorf("expected slot 0 free, got %d, %v", i, ok)
	}
	if b.IsFree(-1) || b.IsFree(100) {
		t.Error("out of range slots must not report free")
	}
}

func TestNewBuilderRejectsInvalidShape(t *testing.T) {
	testCases := []struct {
		name                       string
		slotWidth, layers, capacity int
	}{
		{"zero slot width", 0, 1, 4},
		{"negative layers", 4, -1, 4},
		{"zero capacity", 4, 1, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBuilder(nil, tc.slotWidth, tc.layers, tc.capacity)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestNewBuilderOutOfMemory(t *testing.T) {
	// room for three of the four tensors
	alloc := tensor.NewHeapAllocator(3 * 64)

	_, err := NewBuilder(alloc, 16, 2, 4)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if !errors.Is(err, tensor.ErrOutOfMemory) {
		t.Errorf("expected the allocator error to be wrapped, got %v", err)
	}
	if alloc.InUse() != 0 {
		t.Errorf("partially built builder leaked %d bytes", alloc.InUse())
	}
}

func TestUpdateUntilExhausted(t *testing.T) {
	for _, capacity := range []int{1, 4, 63, 64, 65, 130} {
		b := newTestBuilder(t, nil, 4, 2, capacity)

		for want := 0; want < capacity; want++ {
			got, err := b.Update(tokenKV(byte(want), 2, 4))
			if err != nil {
				t.Fatalf("capacity %d: Update %d failed: %v", capacity, want, err)
			}
			if got != want {
				t.Fatalf("capacity %d: expected slot %d, got %d", capacity, want, got)
			}
		}

		if !b.IsFull() {
			t.Errorf("capacity %d: expected builder to be full", capacity)
		}
		if _, err := b.Update(tokenKV(0, 2, 4)); !errors.Is(err, ErrResourceExhausted) {
			t.Errorf("capacity %d: expected ErrResourceExhausted, got %v", capacity, err)
		}
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	b := newTestBuilder(t, nil, 4, 2, 8)

	testCases := []struct {
		name string
		kv   []KV
	}{
		{"too few layers", tokenKV(1, 1, 4)},
		{"too many layers", tokenKV(1, 3, 4)},
		{"short key", func() []KV { kv := tokenKV(1, 2, 4); kv[1].Key = kv[1].Key[:3]; return kv }()},
		{"long value", func() []KV { kv := tokenKV(1, 2, 4); kv[0].Value = append(kv[0].Value, 0); return kv }()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.Update(tc.kv); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	// a rejected update leaves no trace
	if b.Used() != 0 {
		t.Errorf("rejected updates occupied %d slots", b.Used())
	}
	kv := make([]KV, 2)
	if err := b.Query(0, kv); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !bytes.Equal(kv[0].Key, make([]byte, 4)) {
		t.Errorf("rejected update wrote bytes: %v", kv[0].Key)
	}
}

func TestUpdateQueryRoundTrip(t *testing.T) {
	const layers, width = 3, 16
	b := newTestBuilder(t, nil, width, layers, 10)

	written := make(map[int][]KV)
	for token := byte(0); token < 10; token++ {
		kv := tokenKV(token*7, layers, width)
		index, err := b.Update(kv)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		written[index] = kv
	}

	for index, want := range written {
		got := make([]KV, layers)
		if err := b.Query(index, got); err != nil {
			t.Fatalf("Query(%d) failed: %v", index, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("slot %d mismatch (-want +got):\n%s", index, diff)
		}
	}
}

func TestUpdateCopiesInput(t *testing.T) {
	b := newTestBuilder(t, nil, 4, 1, 2)
	kv := tokenKV(5, 1, 4)
	want := append([]byte(nil), kv[0].Key...)

	index, err := b.Update(kv)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	kv[0].Key[0] = 0xff

	got := make([]KV, 1)
	b.Query(index, got)
	if !bytes.Equal(got[0].Key, want) {
		t.Errorf("builder aliases caller memory: got %v, want %v", got[0].Key, want)
	}
}

func TestQueryRawAddressing(t *testing.T) {
	b := newTestBuilder(t, nil, 2, 1, 4)

	kv := make([]KV, 1)
	if err := b.Query(3, kv); err != nil {
		t.Fatalf("Query of a free slot failed: %v", err)
	}
	if len(kv[0].Key) != 2 || cap(kv[0].Key) != 2 {
		t.Errorf("view should be exactly one slot wide, got len %d cap %d", len(kv[0].Key), cap(kv[0].Key))
	}

	// writing through a view does not claim the slot
	copy(kv[0].Key, []byte{9, 9})
	if !b.IsFree(3) {
		t.Error("writing through a query view marked the slot used")
	}

	again := make([]KV, 1)
	b.Query(3, again)
	if !bytes.Equal(again[0].Key, []byte{9, 9}) {
		t.Errorf("expected bytes written through the view, got %v", again[0].Key)
	}

	if err := b.Query(4, kv); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for out of range slot, got %v", err)
	}
	if err := b.Query(0, make([]KV, 2)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for wrong layer count, got %v", err)
	}
}

func TestSplitScenario(t *testing.T) {
	parent := newTestBuilder(t, nil, 2, 1, 4)
	child := newTestBuilder(t, nil, 2, 1, 4)

	if got := parent.BitmapString(); got != "1111" {
		t.Fatalf("expected 1111, got %s", got)
	}

	first := []KV{{Key: []byte{1, 2}, Value: []byte{3, 4}}}
	second := []KV{{Key: []byte{5, 6}, Value: []byte{7, 8}}}

	if i, err := parent.Update(first); err != nil || i != 0 {
		t.Fatalf("expected slot 0, got %d, %v", i, err)
	}
	if got := parent.BitmapString(); got != "1110" {
		t.Errorf("expected 1110, got %s", got)
	}
	if i, err := parent.Update(second); err != nil || i != 1 {
		t.Fatalf("expected slot 1, got %d, %v", i, err)
	}
	if got := parent.BitmapString(); got != "1100" {
		t.Errorf("expected 1100, got %s", got)
	}

	childIndex, err := parent.Split(child, 0)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if childIndex != 0 {
		t.Errorf("expected child slot 0, got %d", childIndex)
	}
	if got := parent.BitmapString(); got != "1101" {
		t.Errorf("expected parent 1101, got %s", got)
	}
	if got := child.BitmapString(); got != "1110" {
		t.Errorf("expected child 1110, got %s", got)
	}

	got := make([]KV, 1)
	child.Query(0, got)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("child slot 0 mismatch (-want +got):\n%s", diff)
	}
	parent.Query(1, got)
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("parent slot 1 mismatch (-want +got):\n%s", diff)
	}

	// the freed slot is reused first
	if i, err := parent.Update(second); err != nil || i != 0 {
		t.Errorf("expected freed slot 0 to be reused, got %d, %v", i, err)
	}
}

func TestSplitErrors(t *testing.T) {
	parent := newTestBuilder(t, nil, 4, 2, 4)
	if _, err := parent.Update(tokenKV(1, 2, 4)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fullChild := newTestBuilder(t, nil, 4, 2, 1)
	fullChild.Update(tokenKV(2, 2, 4))

	sealedChild := newTestBuilder(t, nil, 4, 2, 4)
	sealedChild.Discard()

	testCases := []struct {
		name  string
		child *Builder
		index int
		want  error
	}{
		{"nil child", nil, 0, ErrInvalidArgument},
		{"split into itself", parent, 0, ErrInvalidArgument},
		{"layer mismatch", newTestBuilder(t, nil, 4, 3, 4), 0, ErrInvalidArgument},
		{"slot width mismatch", newTestBuilder(t, nil, 8, 2, 4), 0, ErrInvalidArgument},
		{"index out of range", newTestBuilder(t, nil, 4, 2, 4), 4, ErrInvalidArgument},
		{"negative index", newTestBuilder(t, nil, 4, 2, 4), -1, ErrInvalidArgument},
		{"free slot", newTestBuilder(t, nil, 4, 2, 4), 1, ErrInvalidArgument},
		{"discarded child", sealedChild, 0, ErrInvalidState},
		{"full child", fullChild, 0, ErrResourceExhausted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parent.Split(tc.child, tc.index); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
			if parent.IsFree(0) {
				t.Error("failed split released the parent slot")
			}
		})
	}
}

func TestSplitConservesTokens(t *testing.T) {
	const capacity = 70
	parent := newTestBuilder(t, nil, 4, 2, capacity)
	children := []*Builder{
		newTestBuilder(t, nil, 4, 2, 16),
		newTestBuilder(t, nil, 4, 2, 64),
	}

	for i := 0; i < capacity; i++ {
		if _, err := parent.Update(tokenKV(byte(i), 2, 4)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	moved := 0
	for index := 0; index < capacity; index += 3 {
		want := make([]KV, 2)
		parent.Query(index, want)
		want = cloneKV(want)

		child := children[index%2]
		childIndex, err := parent.Split(child, index)
		if errors.Is(err, ErrResourceExhausted) {
			continue
		}
		if err != nil {
			t.Fatalf("Split(%d) failed: %v", index, err)
		}
		moved++

		got := make([]KV, 2)
		child.Query(childIndex, got)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("token from slot %d changed (-want +got):\n%s", index, diff)
		}
	}

	total := parent.Used()
	for _, c := range children {
		total += c.Used()
	}
	if total != capacity {
		t.Errorf("expected %d tokens in total, got %d", capacity, total)
	}
	if parent.Used() != capacity-moved {
		t.Errorf("expected %d tokens left in parent, got %d", capacity-moved, parent.Used())
	}
}

func cloneKV(kv []KV) []KV {
	out := make([]KV, len(kv))
	for i, p := range kv {
		out[i] = KV{Key: append([]byte(nil), p.Key...), Value: append([]byte(nil), p.Value...)}
	}
	return out
}

func TestDiscard(t *testing.T) {
	alloc := tensor.NewHeapAllocator(0)
	b := newTestBuilder(t, alloc, 8, 2, 4)
	if alloc.InUse() != 4*8*4 {
		t.Fatalf("expected %d bytes in use, got %d", 4*8*4, alloc.InUse())
	}

	b.Discard()
	b.Discard()
	if alloc.InUse() != 0 {
		t.Errorf("discard leaked %d bytes", alloc.InUse())
	}
	if _, err := b.Update(tokenKV(0, 2, 8)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := b.Query(0, make([]KV, 2)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestBuilderStats(t *testing.T) {
	collector := stats.NewAtomicCollector()
	alloc := tensor.NewHeapAllocator(0)
	parent := newTestBuilder(t, alloc, 4, 1, 4, WithStats(collector))
	child := newTestBuilder(t, alloc, 4, 1, 4, WithStats(collector))

	parent.Update(tokenKV(1, 1, 4))
	parent.Update(tokenKV(2, 1, 4))
	parent.Split(child, 1)
	parent.Query(9, make([]KV, 1))

	s := collector.GetStats()
	if s["update_ops"] != uint64(2) || s["split_ops"] != uint64(1) || s["query_ops"] != uint64(1) {
		t.Errorf("unexpected operation counts %v %v %v", s["update_ops"], s["split_ops"], s["query_ops"])
	}
	if s["slots_allocated"] != uint64(3) || s["slots_released"] != uint64(1) {
		t.Errorf("unexpected slot counts %v %v", s["slots_allocated"], s["slots_released"])
	}
	if s["tensor_bytes"] != uint64(alloc.InUse()) {
		t.Errorf("expected tensor bytes %d, got %v", alloc.InUse(), s["tensor_bytes"])
	}
	if errs := s["errors"].(map[string]uint64); errs["builder_invalid_argument"] != 1 {
		t.Errorf("expected one invalid argument error, got %v", errs)
	}
}

func TestConcurrentSlotAccess(t *testing.T) {
	// 512KiB tensors are split into several chunks by the copier
	const layers, width, capacity = 2, 4096, 128
	copier := &tensor.Copier{Threshold: 1, Workers: 4}
	b := newTestBuilder(t, nil, width, layers, capacity, WithCopier(copier))

	for i := 0; i < capacity; i++ {
		if _, err := b.Update(tokenKV(0, layers, width)); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, capacity)
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			want := tokenKV(byte(index), layers, width)

			views := make([]KV, layers)
			if err := b.Query(index, views); err != nil {
				errs <- err
				return
			}
			for l := range views {
				copy(views[l].Key, want[l].Key)
				copy(views[l].Value, want[l].Value)
			}

			got := make([]KV, layers)
			if err := b.Query(index, got); err != nil {
				errs <- err
				return
			}
			if !cmp.Equal(want, got) {
				errs <- fmt.Errorf("slot %d does not hold what was written to it", index)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	blk, err := b.Seal(context.Background(), newTestStore())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	copies := make([]*Builder, 4)
	copyErrs := make([]error, len(copies))
	for i := range copies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copies[i], copyErrs[i] = NewBuilderFromBlock(nil, blk, WithLogger(log.NewDiscard()), WithCopier(copier))
		}(i)
	}
	wg.Wait()

	for i, c := range copies {
		if copyErrs[i] != nil {
			t.Fatalf("NewBuilderFromBlock failed: %v", copyErrs[i])
		}
		for index := 0; index < capacity; index += 17 {
			got := make([]KV, layers)
			if err := c.Query(index, got); err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if diff := cmp.Diff(tokenKV(byte(index), layers, width), got); diff != "" {
				t.Errorf("copy %d slot %d mismatch (-want +got):\n%s", i, index, diff)
			}
		}
	}
}
