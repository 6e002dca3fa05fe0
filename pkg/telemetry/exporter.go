// ABOUTME: OpenTelemetry exporter factory for metric readers and span exporters (Prometheus, OTLP, stdout)
// ABOUTME: Handles configuration and creation of the telemetry export destinations

package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// createMetricReaders creates one metric reader per configured metric exporter.
// The prometheus reader registers with registry.
func createMetricReaders(cfg Config, registry promclient.Registerer, out io.Writer) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterPrometheus:
			reader, err := prometheus.New(prometheus.WithRegisterer(registry))
			if err != nil {
				return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, reader)

		case ExporterStdout:
			exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.MetricInterval),
				sdkmetric.WithTimeout(cfg.ExportTimeout),
			))

		default:
			// otlp carries traces only in this setup
			continue
		}
	}

	return readers, nil
}

// createTraceExporters creates span exporters based on configuration.
func createTraceExporters(ctx context.Context, cfg Config, out io.Writer) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterOTLP:
			exporter, err := createOTLPTraceExporter(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case ExporterStdout:
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// prometheus doesn't support traces
			continue
		}
	}

	return exporters, nil
}

// createOTLPTraceExporter creates an OTLP trace exporter over gRPC.
func createOTLPTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTLSCredentials(creds),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	switch {
	case cfg.OTLPInsecure:
		return insecure.NewCredentials(), nil
	case cfg.OTLPCAFile != "":
		creds, err := credentials.NewClientTLSFromFile(cfg.OTLPCAFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP CA file: %w", err)
		}
		return creds, nil
	default:
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
}

func defaultOutput(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
