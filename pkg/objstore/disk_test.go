package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
)

func openTestDiskStore(t *testing.T, dir string, opts ...Option) *DiskStore {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewDiscard())}, opts...)
	store, err := OpenDiskStore(dir, 5, opts...)
	if err != nil {
		t.Fatalf("OpenDiskStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiskStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			dir := filepath.Join(dir, codec.String())
			store := openTestDiskStore(t, dir, WithCodec(codec))

			rec := newTestRecord(2, 65, 8, byte(codec))
			id, err := store.CreateMetadata(ctx, rec)
			if err != nil {
				t.Fatalf("CreateMetadata failed: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, id.String()+ObjectFileExt)); err != nil {
				t.Fatalf("object file missing: %v", err)
			}

			reopened := openTestDiskStore(t, dir)
			obj, err := reopened.FetchObject(ctx, id)
			if err != nil {
				t.Fatalf("FetchObject after reopen failed: %v", err)
			}
			recordsEqual(t, rec, obj.Record)

			// a reopened store continues the sequence instead of reusing ids
			next, err := reopened.CreateMetadata(ctx, rec)
			if err != nil {
				t.Fatalf("CreateMetadata after reopen failed: %v", err)
			}
			if next <= id {
				t.Errorf("expected id after %s, got %s", id, next)
			}
		})
	}
}

func TestDiskStoreDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openTestDiskStore(t, dir)

	id, err := store.CreateMetadata(ctx, newTestRecord(1, 4, 4, 2))
	if err != nil {
		t.Fatalf("CreateMetadata failed: %v", err)
	}
	if err := store.DeleteObject(ctx, id); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, id.String()+ObjectFileExt)); !os.IsNotExist(err) {
		t.Errorf("object file still present: %v", err)
	}
	if _, err := store.FetchObject(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteObject(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiskStoreRecoverySkipsCorruptedObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openTestDiskStore(t, dir)

	var ids []ObjectID
	for i := 0; i < 3; i++ {
		id, err := store.CreateMetadata(ctx, newTestRecord(1, 4, 4, byte(i)))
		if err != nil {
			t.Fatalf("CreateMetadata failed: %v", err)
		}
		ids = append(ids, id)
	}

	corrupt := filepath.Join(dir, ids[1].String()+ObjectFileExt)
	data, err := os.ReadFile(corrupt)
	if err != nil {
		t.Fatalf("failed to read object file: %v", err)
	}
	data[len(data)/2] ^= 0x5a
	if err := os.WriteFile(corrupt, data, 0644); err != nil {
		t.Fatalf("failed to corrupt object file: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	collector := stats.NewAtomicCollector()
	reopened := openTestDiskStore(t, dir, WithStats(collector))

	listed, _ := reopened.List(ctx)
	if diff := cmp.Diff([]ObjectID{ids[0], ids[2]}, listed); diff != "" {
		t.Errorf("unexpected objects after recovery (-want +got):\n%s", diff)
	}
	if _, err := reopened.FetchObject(ctx, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected corrupted object to be unavailable, got %v", err)
	}

	recovery := collector.GetStats()["recovery"].(map[string]interface{})
	if recovery["objects_recovered"] != uint64(2) || recovery["corrupted_objects"] != uint64(1) {
		t.Errorf("unexpected recovery stats %v", recovery)
	}
}

func TestDiskStoreReportsCorruptionOnFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openTestDiskStore(t, dir)

	id, err := store.CreateMetadata(ctx, newTestRecord(1, 4, 4, 2))
	if err != nil {
		t.Fatalf("CreateMetadata failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id.String()+ObjectFileExt), []byte("garbage"), 0644); err != nil {
		t.Fatalf("failed to overwrite object file: %v", err)
	}

	if _, err := store.FetchObject(ctx, id); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
}
