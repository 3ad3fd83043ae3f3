package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackTensorBytes records the bytes held by unsealed tensor buffers
	TrackTensorBytes(size uint64)

	// TrackSlots adds to the running count of slots allocated and released
	TrackSlots(allocated, released uint64)

	// StartRecovery resets recovery statistics and returns the start time
	StartRecovery() time.Time

	// FinishRecovery completes recovery statistics for a store reopen
	FinishRecovery(startTime time.Time, objectsRecovered, corruptedObjects uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
