package objstore

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/kvcache/pkg/bitmap"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

// newTestRecord builds a record whose bytes depend on seed, layer and position
func newTestRecord(layers, capacity, slotWidth int, seed byte) *Record {
	bm := bitmap.New(capacity)
	bm.MarkUsed(0)

	rec := &Record{
		TypeName:  "kvcache.Block",
		Layers:    layers,
		Capacity:  capacity,
		SlotWidth: slotWidth,
		Bitmap:    bm.Words(),
		Keys:      make([]*tensor.Sealed, layers),
		Values:    make([]*tensor.Sealed, layers),
	}
	for l := 0; l < layers; l++ {
		k := make([]byte, capacity*slotWidth)
		v := make([]byte, capacity*slotWidth)
		for i := range k {
			k[i] = seed + byte(l) + byte(i)
			v[i] = seed ^ byte(l) ^ byte(i*3)
		}
		rec.Keys[l] = tensor.NewSealed(k)
		rec.Values[l] = tensor.NewSealed(v)
	}
	return rec
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

func (m *mockTelemetryServer) findCounter(name string, attrs ...attribute.KeyValue) *counterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counters {
		if c.name == name && hasAttrs(c.attrs, attrs) {
			return &c
		}
	}
	return nil
}

func (m *mockTelemetryServer) findHistogram(name string) *histogramRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.histograms {
		if h.name == name {
			return &h
		}
	}
	return nil
}

func hasAttrs(have, want []attribute.KeyValue) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
