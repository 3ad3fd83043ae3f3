package kvblock

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

func newTestBuilder(t *testing.T, alloc tensor.Allocator, slotWidth, layers, capacity int, opts ...Option) *Builder {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewDiscard())}, opts...)
	b, err := NewBuilder(alloc, slotWidth, layers, capacity, opts...)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return b
}

// tokenKV returns layers pairs of slotWidth bytes derived from token
func tokenKV(token byte, layers, slotWidth int) []KV {
	kv := make([]KV, layers)
	for l := range kv {
		kv[l] = KV{Key: make([]byte, slotWidth), Value: make([]byte, slotWidth)}
		for i := 0; i < slotWidth; i++ {
			kv[l].Key[i] = token + byte(l*16+i)
			kv[l].Value[i] = ^(token + byte(l*16+i))
		}
	}
	return kv
}

func newTestStore() *objstore.MemoryStore {
	return objstore.NewMemoryStore(1, objstore.WithLogger(log.NewDiscard()))
}

// faultyStore wraps a store and injects failures
type faultyStore struct {
	objstore.Store
	createErr error
	deleteErr error
	// replicaOf makes FetchObject copy the object under a new id, like a migration
	replicaOf bool

	mu      sync.Mutex
	deleted []objstore.ObjectID
}

func (f *faultyStore) CreateMetadata(ctx context.Context, rec *objstore.Record) (objstore.ObjectID, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	return f.Store.CreateMetadata(ctx, rec)
}

func (f *faultyStore) FetchObject(ctx context.Context, id objstore.ObjectID) (*objstore.Object, error) {
	obj, err := f.Store.FetchObject(ctx, id)
	if err != nil || !f.replicaOf {
		return obj, err
	}
	replica, err := f.Store.CreateMetadata(ctx, obj.Record)
	if err != nil {
		return nil, err
	}
	return &objstore.Object{ID: replica, Record: obj.Record}, nil
}

func (f *faultyStore) DeleteObject(ctx context.Context, id objstore.ObjectID) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.DeleteObject(ctx, id)
}

// mockTelemetryServer captures metrics recorded through the telemetry interface
type mockTelemetryServer struct {
	mu         sync.Mutex
	histograms []histogramRecord
	counters   []counterRecord
}

type histogramRecord struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

type counterRecord struct {
	name  string
	value int64
	attrs []attribute.KeyValue
}

func newMockTelemetryServer() *mockTelemetryServer {
	return &mockTelemetryServer{}
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, histogramRecord{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, counterRecord{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

// countCounters sums counter values with the given name and attributes
func (m *mockTelemetryServer) countCounters(name string, attrs ...attribute.KeyValue) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, c := range m.counters {
		if c.name != name {
			continue
		}
		match := true
		for _, want := range attrs {
			found := false
			for _, have := range c.attrs {
				if have == want {
					found = true
					break
				}
			}
			match = match && found
		}
		if match {
			total += c.value
		}
	}
	return total
}

func (m *mockTelemetryServer) lastHistogram(name string) *histogramRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.histograms) - 1; i >= 0; i-- {
		if m.histograms[i].name == name {
			h := m.histograms[i]
			return &h
		}
	}
	return nil
}
