// ABOUTME: Core telemetry abstraction over OpenTelemetry used to instrument cache regions
// ABOUTME: Provides metric recording, tracing, and lifecycle management with a no-op implementation

package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides the core abstraction over OpenTelemetry for cache components.
// Components use this interface to record metrics and spans without depending directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown gracefully shuts down all telemetry providers and exports remaining data.
	Shutdown(ctx context.Context) error
}

// MetricsHandler is implemented by telemetry that can serve its metrics over HTTP.
type MetricsHandler interface {
	MetricsHandler() http.Handler
}

// HandlerFor returns the HTTP metrics handler of tel, or nil when it has none.
func HandlerFor(tel Telemetry) http.Handler {
	if h, ok := tel.(MetricsHandler); ok {
		return h.MetricsHandler()
	}
	return nil
}

// ComponentMetrics is a marker interface for component-specific metrics interfaces.
type ComponentMetrics interface {
	// Close releases any resources held by the metrics implementation.
	Close() error
}

// NoopTelemetry provides a no-operation implementation of Telemetry for testing or disabled scenarios.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and a no-op span.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Common attribute keys for consistent naming across components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrRegion        = "region"
	AttrStatus        = "status"
	AttrResult        = "result"
	AttrErrorType     = "error.type"
	AttrReason        = "reason"
)

// Common attribute values
const (
	OpTypeGet         = "get"
	OpTypeGetMatching = "get_matching"
	OpTypePut         = "put"
	OpTypeRemove      = "remove"
	OpTypeRemoveAll   = "remove_all"
	OpTypeSaveKeys    = "save_keys"
	OpTypeReset       = "reset"
	OpTypeVerify      = "verify"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"

	ResultHit  = "hit"
	ResultMiss = "miss"

	ComponentBlockDisk = "blockdisk"
	ComponentKeyStore  = "keystore"
	ComponentCache     = "diskcache"
)
