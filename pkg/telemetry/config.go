// ABOUTME: Telemetry settings for the cache process: service identity, exporters, sampling and batching
// ABOUTME: Environment overrides are applied by the config loader, this file only holds defaults and validation

package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name" mapstructure:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version" mapstructure:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Exporters specifies which exporters to use (prometheus, otlp, stdout)
	Exporters []string `json:"exporters" mapstructure:"exporters"`

	// SampleRate controls trace sampling (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`

	// OTLPEndpoint is the host:port of the OTLP gRPC collector
	OTLPEndpoint string `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`

	// OTLPInsecure disables transport security towards the collector
	OTLPInsecure bool `json:"otlp_insecure" mapstructure:"otlp_insecure"`

	// OTLPCAFile is a PEM bundle used to verify the collector when secure
	OTLPCAFile string `json:"otlp_ca_file" mapstructure:"otlp_ca_file"`

	// MetricInterval controls how often push exporters receive metrics
	MetricInterval time.Duration `json:"metric_interval" mapstructure:"metric_interval"`

	// ExportTimeout controls how long to wait for exports
	ExportTimeout time.Duration `json:"export_timeout" mapstructure:"export_timeout"`

	// BatchTimeout controls how long to wait before exporting a batch
	BatchTimeout time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`

	// MaxQueueSize controls the maximum queue size for pending exports
	MaxQueueSize int `json:"max_queue_size" mapstructure:"max_queue_size"`

	// MaxExportBatchSize controls the maximum batch size for exports
	MaxExportBatchSize int `json:"max_export_batch_size" mapstructure:"max_export_batch_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "diskcache",
		ServiceVersion:     "development",
		Enabled:            true,
		Exporters:          []string{ExporterPrometheus},
		SampleRate:         1.0,
		OTLPEndpoint:       "localhost:4317",
		OTLPInsecure:       true,
		MetricInterval:     time.Minute,
		ExportTimeout:      30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

// Exporter names accepted in Config.Exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
)

var knownExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" || c.ServiceVersion == "" {
		errs = append(errs, errors.New("service name and version are required"))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample_rate %g outside [0, 1]", c.SampleRate))
	}
	for name, d := range map[string]time.Duration{
		"metric_interval": c.MetricInterval,
		"export_timeout":  c.ExportTimeout,
		"batch_timeout":   c.BatchTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxQueueSize <= 0 || c.MaxExportBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("queue (%d) and batch (%d) sizes must be positive", c.MaxQueueSize, c.MaxExportBatchSize))
	}
	for _, name := range c.Exporters {
		if !slices.Contains(knownExporters, name) {
			errs = append(errs, fmt.Errorf("unknown exporter %q, want one of %v", name, knownExporters))
		}
	}
	if c.HasExporter(ExporterOTLP) && c.OTLPEndpoint == "" {
		errs = append(errs, errors.New("otlp exporter needs otlp_endpoint"))
	}
	return errors.Join(errs...)
}

// HasExporter reports whether name is among the configured exporters.
func (c *Config) HasExporter(name string) bool {
	return slices.Contains(c.Exporters, name)
}
