// ABOUTME: Builder telemetry metrics interface and implementation for slot-level block operations
// ABOUTME: Tracks update/split/query/seal latency, slot occupancy, sealed bytes and replica clean-up

package kvblock

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/kvcache/pkg/telemetry"
)

// BlockMetrics defines the interface for builder telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type BlockMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the outcome and latency of a builder operation.
	RecordOperation(ctx context.Context, opType string, duration time.Duration, err error)

	// RecordOccupancy records how many slots of a block are in use.
	RecordOccupancy(ctx context.Context, used, capacity int)

	// RecordSeal records a block published to the object store.
	RecordSeal(ctx context.Context, layers int, bytes int64)

	// RecordReplicaCleanup records the deletion of a migrated replica.
	RecordReplicaCleanup(ctx context.Context, err error)
}

type blockMetrics struct {
	tel telemetry.Telemetry
}

// NewBlockMetrics creates a new builder metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewBlockMetrics(tel telemetry.Telemetry) BlockMetrics {
	if tel == nil {
		return &noopBlockMetrics{}
	}
	return &blockMetrics{tel: tel}
}

// NewNoopBlockMetrics creates a no-op builder metrics implementation for testing.
func NewNoopBlockMetrics() BlockMetrics {
	return &noopBlockMetrics{}
}

// RecordOperation records builder operation metrics.
func (m *blockMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "kvcache.builder.operation.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
		attribute.String(telemetry.AttrOperationType, opType),
	)

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
		attribute.String(telemetry.AttrOperationType, opType),
	}
	if err != nil {
		attrs = append(attrs,
			attribute.String(telemetry.AttrStatus, telemetry.StatusError),
			attribute.String(telemetry.AttrErrorType, errorType(err)),
		)
	} else {
		attrs = append(attrs, attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess))
	}
	m.tel.RecordCounter(ctx, "kvcache.builder.operations.total", 1, attrs...)
}

// RecordOccupancy records slot usage as a fraction of capacity.
func (m *blockMetrics) RecordOccupancy(ctx context.Context, used, capacity int) {
	if capacity <= 0 {
		return
	}
	m.tel.RecordHistogram(ctx, "kvcache.builder.occupancy.ratio", float64(used)/float64(capacity),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
		attribute.Int(telemetry.AttrCapacity, capacity),
	)
}

// RecordSeal records sealed block metrics.
func (m *blockMetrics) RecordSeal(ctx context.Context, layers int, bytes int64) {
	m.tel.RecordCounter(ctx, "kvcache.builder.sealed.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
		attribute.Int(telemetry.AttrLayers, layers),
	)

	telemetry.RecordBytes(ctx, m.tel, "kvcache.builder.sealed.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
	)
}

// RecordReplicaCleanup records the outcome of deleting a migrated replica.
func (m *blockMetrics) RecordReplicaCleanup(ctx context.Context, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}
	m.tel.RecordCounter(ctx, "kvcache.builder.replica_cleanup.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuilder),
		attribute.String(telemetry.AttrStatus, status),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *blockMetrics) Close() error {
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}

// noopBlockMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopBlockMetrics struct{}

func (n *noopBlockMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, err error) {
}

func (n *noopBlockMetrics) RecordOccupancy(ctx context.Context, used, capacity int) {}

func (n *noopBlockMetrics) RecordSeal(ctx context.Context, layers int, bytes int64) {}

func (n *noopBlockMetrics) RecordReplicaCleanup(ctx context.Context, err error) {}

func (n *noopBlockMetrics) Close() error {
	return nil
}
