// ABOUTME: Configuration for telemetry providers and exporters, with validation
// ABOUTME: Supports KVCACHE_TELEMETRY_* environment overrides on top of the defaults

package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporters
const (
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled"`

	// Exporters lists the exporters to use (stdout, prometheus, otlp)
	Exporters []string `json:"exporters"`

	// SampleRate controls trace sampling (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate"`

	// PrometheusPort is where the /metrics endpoint listens
	PrometheusPort int `json:"prometheus_port"`

	// OTLPEndpoint is the host:port of the OTLP gRPC collector
	OTLPEndpoint string `json:"otlp_endpoint"`

	// ExportInterval is how often metrics are pushed to push-based exporters
	ExportInterval time.Duration `json:"export_interval"`

	// BatchTimeout controls how long to wait before exporting a span batch
	BatchTimeout time.Duration `json:"batch_timeout"`

	// MaxQueueSize controls the maximum queue size for pending spans
	MaxQueueSize int `json:"max_queue_size"`

	// MaxExportBatchSize controls the maximum span batch size
	MaxExportBatchSize int `json:"max_export_batch_size"`
}

// DefaultConfig returns telemetry disabled, with stdout export when turned on.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "kvcache",
		ServiceVersion:     "development",
		Enabled:            false,
		Exporters:          []string{ExporterStdout},
		SampleRate:         1.0,
		PrometheusPort:     9090,
		OTLPEndpoint:       "localhost:4317",
		ExportInterval:     30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

const envPrefix = "KVCACHE_TELEMETRY_"

// LoadFromEnv overrides fields from KVCACHE_TELEMETRY_* variables.
// Values that fail to parse are ignored.
func (c *Config) LoadFromEnv() {
	str := func(name string, dst *string) {
		if val := os.Getenv(envPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if n, err := strconv.Atoi(os.Getenv(envPrefix + name)); err == nil {
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if d, err := time.ParseDuration(os.Getenv(envPrefix + name)); err == nil {
			*dst = d
		}
	}

	str("SERVICE_NAME", &c.ServiceName)
	str("SERVICE_VERSION", &c.ServiceVersion)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	integer("PROMETHEUS_PORT", &c.PrometheusPort)
	integer("MAX_QUEUE_SIZE", &c.MaxQueueSize)
	integer("MAX_EXPORT_BATCH_SIZE", &c.MaxExportBatchSize)
	duration("EXPORT_INTERVAL", &c.ExportInterval)
	duration("BATCH_TIMEOUT", &c.BatchTimeout)

	if enabled, err := strconv.ParseBool(os.Getenv(envPrefix + "ENABLED")); err == nil {
		c.Enabled = enabled
	}
	if rate, err := strconv.ParseFloat(os.Getenv(envPrefix+"SAMPLE_RATE"), 64); err == nil {
		c.SampleRate = rate
	}
	if val := os.Getenv(envPrefix + "EXPORTERS"); val != "" {
		c.Exporters = c.Exporters[:0]
		for _, name := range strings.Split(val, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Exporters = append(c.Exporters, name)
			}
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}

	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}

	if c.HasExporter(ExporterPrometheus) && (c.PrometheusPort < 1 || c.PrometheusPort > 65535) {
		return fmt.Errorf("prometheus_port must be between 1 and 65535, got %d", c.PrometheusPort)
	}

	if c.HasExporter(ExporterOTLP) && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint cannot be empty when the otlp exporter is enabled")
	}

	if c.ExportInterval <= 0 {
		return fmt.Errorf("export_interval must be positive, got %s", c.ExportInterval)
	}

	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	}

	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}

	if c.MaxExportBatchSize <= 0 || c.MaxExportBatchSize > c.MaxQueueSize {
		return fmt.Errorf("max_export_batch_size must be in [1, %d], got %d", c.MaxQueueSize, c.MaxExportBatchSize)
	}

	for _, exporter := range c.Exporters {
		switch exporter {
		case ExporterStdout, ExporterPrometheus, ExporterOTLP:
		default:
			return fmt.Errorf("invalid exporter: %s, valid options are: stdout, prometheus, otlp", exporter)
		}
	}

	return nil
}

// HasExporter returns true if the specified exporter is configured.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}
