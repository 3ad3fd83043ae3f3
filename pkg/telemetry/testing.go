// ABOUTME: Telemetry helpers for tests: a disabled instance and an in-memory provider
// ABOUTME: The in-memory provider records through the real SDK into a manual reader

package telemetry

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewInMemory returns a provider whose metrics are collected on demand from reader.
// Traces are sampled but not exported.
func NewInMemory(reader sdkmetric.Reader) (*TelemetryProvider, error) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = nil
	return newProvider(cfg, []sdkmetric.Reader{reader}, nil)
}
