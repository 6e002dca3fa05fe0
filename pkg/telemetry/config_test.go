// ABOUTME: Tests for telemetry configuration defaults, validation and exporter lookup

package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "diskcache" {
		t.Errorf("Expected default service name 'diskcache', got '%s'", cfg.ServiceName)
	}

	if !cfg.Enabled {
		t.Error("Expected telemetry to be enabled by default")
	}

	if len(cfg.Exporters) != 1 || cfg.Exporters[0] != "prometheus" {
		t.Errorf("Expected default exporters ['prometheus'], got %v", cfg.Exporters)
	}

	if cfg.OTLPEndpoint != "localhost:4317" {
		t.Errorf("Expected default OTLP endpoint 'localhost:4317', got '%s'", cfg.OTLPEndpoint)
	}

	if cfg.ExportTimeout != 30*time.Second {
		t.Errorf("Expected default export timeout 30s, got %s", cfg.ExportTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 2
	cfg.BatchTimeout = 0
	cfg.Exporters = []string{"otlp", "jaeger"}
	cfg.OTLPEndpoint = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"sample_rate", "batch_timeout", `"jaeger"`, "otlp_endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got: %v", want, err)
		}
	}

	cfg = DefaultConfig()
	cfg.Exporters = []string{ExporterStdout, ExporterOTLP}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}

func TestHasExporter(t *testing.T) {
	cfg := Config{Exporters: []string{"prometheus", "otlp"}}

	if !cfg.HasExporter("otlp") {
		t.Error("Expected otlp exporter")
	}
	if cfg.HasExporter("stdout") {
		t.Error("Did not expect stdout exporter")
	}
}
