// ABOUTME: Tests for telemetry provider creation, prometheus scraping and configuration handling
// ABOUTME: Validates provider initialization, configuration validation, and no-op fallback behavior

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectNoop  bool
		expectError bool
	}{
		{
			name:       "disabled telemetry returns noop",
			cfg:        Config{Enabled: false},
			expectNoop: true,
		},
		{
			name: "invalid config returns error",
			cfg: Config{
				Enabled:     true,
				ServiceName: "",
			},
			expectError: true,
		},
		{
			name:       "default config returns provider",
			cfg:        DefaultConfig(),
			expectNoop: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(tt.cfg)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			_, isNoop := tel.(*NoopTelemetry)
			if isNoop != tt.expectNoop {
				t.Errorf("Expected noop=%v, got %T", tt.expectNoop, tel)
			}

			if err := tel.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestPrometheusHandlerServesRecordedMetrics(t *testing.T) {
	tel, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := context.Background()
	tel.RecordCounter(ctx, "diskcache.get.requests", 3, attribute.String(AttrResult, ResultHit))
	tel.RecordHistogram(ctx, "diskcache.put.duration", 0.25)

	handler := HandlerFor(tel)
	if handler == nil {
		t.Fatal("Expected a metrics handler with the prometheus exporter")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), "diskcache_get_requests") {
		t.Errorf("Expected counter in scrape output, got:\n%s", body)
	}
	if !strings.Contains(string(body), "diskcache_put_duration") {
		t.Errorf("Expected histogram in scrape output, got:\n%s", body)
	}
}

func TestStdoutExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters = []string{"stdout"}

	var out bytes.Buffer
	tel, err := New(cfg, WithOutput(&out))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if HandlerFor(tel) != nil {
		t.Error("Expected no metrics handler without the prometheus exporter")
	}

	ctx, span := tel.StartSpan(context.Background(), "diskcache.test")
	tel.RecordCounter(ctx, "diskcache.test.count", 1)
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !strings.Contains(out.String(), "diskcache.test") {
		t.Errorf("Expected span and metric output, got:\n%s", out.String())
	}
}

func TestNewWithInvalidConfigs(t *testing.T) {
	base := DefaultConfig()

	invalid := []func(c *Config){
		func(c *Config) { c.ServiceName = "" },
		func(c *Config) { c.ServiceVersion = "" },
		func(c *Config) { c.SampleRate = -0.1 },
		func(c *Config) { c.SampleRate = 1.1 },
		func(c *Config) { c.MetricInterval = 0 },
		func(c *Config) { c.Exporters = []string{"jaeger"} },
		func(c *Config) { c.Exporters = []string{"otlp"}; c.OTLPEndpoint = "" },
	}

	for i, mutate := range invalid {
		t.Run(fmt.Sprintf("invalid_config_%d", i), func(t *testing.T) {
			cfg := base
			cfg.Exporters = append([]string(nil), base.Exporters...)
			mutate(&cfg)

			tel, err := New(cfg)
			if err == nil {
				t.Error("Expected error for invalid config but got none")
			}
			if tel != nil {
				t.Error("Expected nil telemetry for invalid config but got instance")
			}
		})
	}
}

func TestTransportCredentials(t *testing.T) {
	cfg := DefaultConfig()

	creds, err := transportCredentials(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if creds.Info().SecurityProtocol != "insecure" {
		t.Errorf("Expected insecure credentials, got %q", creds.Info().SecurityProtocol)
	}

	cfg.OTLPInsecure = false
	creds, err = transportCredentials(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if creds.Info().SecurityProtocol != "tls" {
		t.Errorf("Expected tls credentials, got %q", creds.Info().SecurityProtocol)
	}

	cfg.OTLPCAFile = "/does/not/exist.pem"
	if _, err := transportCredentials(cfg); err == nil {
		t.Error("Expected error for missing CA file")
	}
}
