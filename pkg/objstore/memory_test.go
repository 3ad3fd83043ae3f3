package objstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/telemetry"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	collector := stats.NewAtomicCollector()
	store := NewMemoryStore(7, WithLogger(log.NewDiscard()), WithStats(collector))

	rec := newTestRecord(2, 4, 8, 1)
	id, err := store.CreateMetadata(ctx, rec)
	if err != nil {
		t.Fatalf("CreateMetadata failed: %v", err)
	}
	if id.Instance() != 7 {
		t.Errorf("expected instance 7 in id, got %d", id.Instance())
	}

	obj, err := store.FetchObject(ctx, id)
	if err != nil {
		t.Fatalf("FetchObject failed: %v", err)
	}
	if obj.ID != id || obj.Record != rec {
		t.Errorf("fetched object does not match created one")
	}

	if ids, _ := store.List(ctx); len(ids) != 1 || ids[0] != id {
		t.Errorf("unexpected listing %v", ids)
	}

	if err := store.DeleteObject(ctx, id); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := store.FetchObject(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	s := collector.GetStats()
	if s["create_ops"] != uint64(1) || s["fetch_ops"] != uint64(2) || s["delete_ops"] != uint64(2) {
		t.Errorf("unexpected operation counts: create=%v fetch=%v delete=%v",
			s["create_ops"], s["fetch_ops"], s["delete_ops"])
	}
	if errs := s["errors"].(map[string]uint64); errs["objstore_not_found"] != 2 {
		t.Errorf("expected 2 not-found errors, got %v", errs)
	}
}

func TestMemoryStoreRejectsInvalidRecord(t *testing.T) {
	store := NewMemoryStore(1, WithLogger(log.NewDiscard()))
	rec := newTestRecord(1, 4, 4, 0)
	rec.Keys = nil

	if _, err := store.CreateMetadata(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("invalid record was stored")
	}
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	store := NewMemoryStore(1, WithLogger(log.NewDiscard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.CreateMetadata(ctx, newTestRecord(1, 4, 4, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStoreConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3, WithLogger(log.NewDiscard()))
	rec := newTestRecord(1, 4, 4, 0)

	const n = 64
	ids := make([]ObjectID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.CreateMetadata(ctx, rec)
			if err != nil {
				t.Errorf("CreateMetadata failed: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[ObjectID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if store.Len() != n {
		t.Errorf("expected %d objects, got %d", n, store.Len())
	}
}

func TestStoreMetrics(t *testing.T) {
	ctx := context.Background()
	mockServer := newMockTelemetryServer()
	store := NewMemoryStore(1, WithLogger(log.NewDiscard()), WithMetrics(NewStoreMetrics(mockServer)))

	id, err := store.CreateMetadata(ctx, newTestRecord(1, 4, 4, 0))
	if err != nil {
		t.Fatalf("CreateMetadata failed: %v", err)
	}
	store.DeleteObject(ctx, id)
	store.DeleteObject(ctx, id)

	if mockServer.findHistogram("kvcache.objstore.operation.duration") == nil {
		t.Error("expected operation duration histogram to be recorded")
	}

	created := mockServer.findCounter("kvcache.objstore.operations.total",
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCreate),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)
	if created == nil || created.value != 1 {
		t.Errorf("expected one successful create, got %+v", created)
	}

	bytesCounter := mockServer.findCounter("kvcache.objstore.bytes.total",
		attribute.String(telemetry.AttrBackend, backendMemory),
	)
	if bytesCounter == nil || bytesCounter.value != 32 {
		t.Errorf("expected 32 bytes recorded, got %+v", bytesCounter)
	}

	failed := mockServer.findCounter("kvcache.objstore.operations.total",
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeDelete),
		attribute.String(telemetry.AttrErrorType, "not_found"),
	)
	if failed == nil {
		t.Error("expected failed delete to be recorded with its error type")
	}
}

func TestNoopStoreMetrics(t *testing.T) {
	m := NewStoreMetrics(nil)
	if _, ok := m.(*noopStoreMetrics); !ok {
		t.Errorf("expected no-op metrics for nil telemetry, got %T", m)
	}
	m.RecordOperation(context.Background(), backendDisk, telemetry.OpTypeFetch, 0, ErrIO)
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
