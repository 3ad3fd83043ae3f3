// ABOUTME: Tests for provider creation and for metrics recorded through the real SDK
// ABOUTME: Uses a manual reader so collected data can be inspected without exporters

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew(t *testing.T) {
	t.Run("disabled telemetry returns noop", func(t *testing.T) {
		tel, err := New(Config{Enabled: false})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := tel.(*NoopTelemetry); !ok {
			t.Errorf("expected *NoopTelemetry, got %T", tel)
		}
	})

	t.Run("invalid config returns error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = true
		cfg.ServiceName = ""
		if _, err := New(cfg); err == nil {
			t.Error("expected error for empty service name")
		}
	})
}

func TestProviderRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := NewInMemory(reader)
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer p.Shutdown(ctx)

	attrs := attribute.String(AttrComponent, ComponentBuilder)
	p.RecordCounter(ctx, "kvcache.test.count", 2, attrs)
	p.RecordCounter(ctx, "kvcache.test.count", 3, attrs)
	p.RecordHistogram(ctx, "kvcache.test.latency", 0.25, attrs)

	spanCtx, span := p.StartSpan(ctx, "kvcache.test.span")
	if !span.SpanContext().IsValid() {
		t.Error("expected a sampled span with a valid context")
	}
	span.End()
	_ = spanCtx

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name != "kvcache.test.count" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("expected Sum[int64], got %T", m.Data)
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 5 {
				t.Errorf("expected a single data point of 5, got %+v", sum.DataPoints)
			}
		}
	}

	for _, name := range []string{"kvcache.test.count", "kvcache.test.latency"} {
		if !found[name] {
			t.Errorf("metric %s was not collected", name)
		}
	}
}
