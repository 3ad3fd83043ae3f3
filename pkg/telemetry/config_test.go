// ABOUTME: Tests for telemetry configuration defaults, validation and environment overrides

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "kvcache" {
		t.Errorf("expected default service name 'kvcache', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("expected telemetry to be disabled by default")
	}
	if len(cfg.Exporters) != 1 || cfg.Exporters[0] != ExporterStdout {
		t.Errorf("expected default exporters [stdout], got %v", cfg.Exporters)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.1 }},
		{"prometheus without port", func(c *Config) {
			c.Exporters = []string{ExporterPrometheus}
			c.PrometheusPort = 0
		}},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters = []string{ExporterOTLP}
			c.OTLPEndpoint = ""
		}},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }},
		{"zero export interval", func(c *Config) { c.ExportInterval = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("KVCACHE_TELEMETRY_SERVICE_NAME", "test-service")
	t.Setenv("KVCACHE_TELEMETRY_ENABLED", "true")
	t.Setenv("KVCACHE_TELEMETRY_EXPORTERS", "prometheus, otlp")
	t.Setenv("KVCACHE_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("KVCACHE_TELEMETRY_PROMETHEUS_PORT", "8080")
	t.Setenv("KVCACHE_TELEMETRY_EXPORT_INTERVAL", "10s")
	t.Setenv("KVCACHE_TELEMETRY_MAX_QUEUE_SIZE", "not-a-number")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "test-service" {
		t.Errorf("expected service name 'test-service', got '%s'", cfg.ServiceName)
	}
	if !cfg.Enabled {
		t.Error("expected telemetry to be enabled")
	}
	if !cfg.HasExporter(ExporterPrometheus) || !cfg.HasExporter(ExporterOTLP) || cfg.HasExporter(ExporterStdout) {
		t.Errorf("unexpected exporters %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.5 {
		t.Errorf("expected sample rate 0.5, got %f", cfg.SampleRate)
	}
	if cfg.PrometheusPort != 8080 {
		t.Errorf("expected prometheus port 8080, got %d", cfg.PrometheusPort)
	}
	if cfg.ExportInterval != 10*time.Second {
		t.Errorf("expected export interval 10s, got %s", cfg.ExportInterval)
	}
	if cfg.MaxQueueSize != DefaultConfig().MaxQueueSize {
		t.Errorf("invalid value overrode max queue size: %d", cfg.MaxQueueSize)
	}
}
