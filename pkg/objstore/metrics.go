// ABOUTME: Object store telemetry metrics interface and implementation for create, fetch and delete
// ABOUTME: Tracks per-backend latency, bytes moved, peer replication and disk recovery scans

package objstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/kvcache/pkg/telemetry"
)

// StoreMetrics defines the interface for object store telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the outcome and latency of a create, fetch or delete.
	RecordOperation(ctx context.Context, backend, opType string, duration time.Duration, err error)

	// RecordBytes records tensor bytes written or read by an operation.
	RecordBytes(ctx context.Context, backend, opType string, bytes int64)

	// RecordReplication records an object copied from a peer into the local store.
	RecordReplication(ctx context.Context, peer string, bytes int64, duration time.Duration)

	// RecordRecovery records the result of scanning a disk store on open.
	RecordRecovery(ctx context.Context, recovered, corrupted int, duration time.Duration)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a new object store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op object store metrics implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordOperation(ctx context.Context, backend, opType string, duration time.Duration, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "kvcache.objstore.operation.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrBackend, backend),
		attribute.String(telemetry.AttrOperationType, opType),
	)

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrBackend, backend),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, status),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorType(err)))
	}
	m.tel.RecordCounter(ctx, "kvcache.objstore.operations.total", 1, attrs...)
}

func (m *storeMetrics) RecordBytes(ctx context.Context, backend, opType string, bytes int64) {
	telemetry.RecordBytes(ctx, m.tel, "kvcache.objstore.bytes.total", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrBackend, backend),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

func (m *storeMetrics) RecordReplication(ctx context.Context, peer string, bytes int64, duration time.Duration) {
	m.tel.RecordCounter(ctx, "kvcache.objstore.replication.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrPeer, peer),
	)

	m.tel.RecordCounter(ctx, "kvcache.objstore.replication.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrPeer, peer),
	)

	m.tel.RecordHistogram(ctx, "kvcache.objstore.replication.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrPeer, peer),
	)
}

func (m *storeMetrics) RecordRecovery(ctx context.Context, recovered, corrupted int, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "kvcache.objstore.recovery.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)

	m.tel.RecordCounter(ctx, "kvcache.objstore.recovery.objects", int64(recovered),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)

	// Corrupted objects are skipped, not fatal
	m.tel.RecordCounter(ctx, "kvcache.objstore.recovery.objects", int64(corrupted),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, telemetry.StatusError),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	return nil
}

// errorType maps store errors to a low-cardinality attribute value
func errorType(err error) string {
	switch {
	case isNotFound(err):
		return "not_found"
	case isInvalidRecord(err):
		return "invalid_record"
	case isIO(err):
		return "io"
	case isCanceled(err):
		return "canceled"
	default:
		return "other"
	}
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordOperation(ctx context.Context, backend, opType string, duration time.Duration, err error) {
}

func (n *noopStoreMetrics) RecordBytes(ctx context.Context, backend, opType string, bytes int64) {
}

func (n *noopStoreMetrics) RecordReplication(ctx context.Context, peer string, bytes int64, duration time.Duration) {
}

func (n *noopStoreMetrics) RecordRecovery(ctx context.Context, recovered, corrupted int, duration time.Duration) {
}

func (n *noopStoreMetrics) Close() error {
	return nil
}
