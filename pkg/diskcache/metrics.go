// ABOUTME: Region telemetry metrics interface and implementation for tracking disk cache operations
// ABOUTME: Provides instrumentation for get/put/remove, resets, evictions and key persistence

package diskcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/diskcache/pkg/telemetry"
)

// CacheMetrics defines the interface for region telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type CacheMetrics interface {
	telemetry.ComponentMetrics

	// RecordGet records a Get with its outcome.
	RecordGet(ctx context.Context, duration time.Duration, found bool)

	// RecordPut records a Put that reached the disk.
	RecordPut(ctx context.Context, duration time.Duration, bytes int64, blocks int)

	// RecordRemove records a Remove and how many keys it dropped.
	RecordRemove(ctx context.Context, duration time.Duration, removed int)

	// RecordReset records a reset of the region files.
	RecordReset(ctx context.Context, reason string)

	// RecordEviction records keys evicted by the key policy.
	RecordEviction(ctx context.Context, count int)

	// RecordSaveKeys records a key file save.
	RecordSaveKeys(ctx context.Context, duration time.Duration, keys int, err error)

	// RecordError records a failed operation.
	RecordError(ctx context.Context, operation, errorType string)
}

// cacheMetrics implements CacheMetrics using the telemetry interface.
type cacheMetrics struct {
	tel    telemetry.Telemetry
	region attribute.KeyValue
}

// NewCacheMetrics creates metrics for region. If tel is nil, returns a no-op
// implementation.
func NewCacheMetrics(tel telemetry.Telemetry, region string) CacheMetrics {
	if tel == nil {
		return &noopCacheMetrics{}
	}
	return &cacheMetrics{tel: tel, region: attribute.String(telemetry.AttrRegion, region)}
}

// NewNoopCacheMetrics creates a no-op metrics implementation for testing.
func NewNoopCacheMetrics() CacheMetrics {
	return &noopCacheMetrics{}
}

func (m *cacheMetrics) component() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentCache)
}

// RecordGet records Get duration and hit/miss counts.
func (m *cacheMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {
	result := telemetry.ResultMiss
	if found {
		result = telemetry.ResultHit
	}

	m.tel.RecordHistogram(ctx, "diskcache.get.duration", duration.Seconds(),
		m.component(), m.region,
		attribute.String(telemetry.AttrResult, result),
	)
	m.tel.RecordCounter(ctx, "diskcache.get.requests", 1,
		m.component(), m.region,
		attribute.String(telemetry.AttrResult, result),
	)
}

// RecordPut records Put duration, bytes and blocks written.
func (m *cacheMetrics) RecordPut(ctx context.Context, duration time.Duration, bytes int64, blocks int) {
	m.tel.RecordHistogram(ctx, "diskcache.put.duration", duration.Seconds(),
		m.component(), m.region,
	)
	telemetry.RecordBytes(ctx, m.tel, "diskcache.put.bytes", bytes,
		m.component(), m.region,
	)
	m.tel.RecordCounter(ctx, "diskcache.put.blocks", int64(blocks),
		m.component(), m.region,
	)
	m.tel.RecordCounter(ctx, "diskcache.operations.total", 1,
		m.component(), m.region,
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypePut),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)
}

// RecordRemove records Remove duration and the number of keys dropped.
func (m *cacheMetrics) RecordRemove(ctx context.Context, duration time.Duration, removed int) {
	m.tel.RecordHistogram(ctx, "diskcache.remove.duration", duration.Seconds(),
		m.component(), m.region,
	)
	m.tel.RecordCounter(ctx, "diskcache.remove.keys", int64(removed),
		m.component(), m.region,
	)
}

// RecordReset records a reset and its reason.
func (m *cacheMetrics) RecordReset(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "diskcache.resets", 1,
		m.component(), m.region,
		attribute.String(telemetry.AttrReason, reason),
	)
}

// RecordEviction records policy evictions.
func (m *cacheMetrics) RecordEviction(ctx context.Context, count int) {
	m.tel.RecordCounter(ctx, "diskcache.evictions", int64(count),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKeyStore), m.region,
	)
}

// RecordSaveKeys records a key file save.
func (m *cacheMetrics) RecordSaveKeys(ctx context.Context, duration time.Duration, keys int, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "diskcache.save_keys.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKeyStore), m.region,
		attribute.String(telemetry.AttrStatus, status),
	)
	m.tel.RecordHistogram(ctx, "diskcache.save_keys.count", float64(keys),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKeyStore), m.region,
	)
}

// RecordError records a failed operation.
func (m *cacheMetrics) RecordError(ctx context.Context, operation, errorType string) {
	m.tel.RecordCounter(ctx, "diskcache.errors", 1,
		m.component(), m.region,
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrErrorType, errorType),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *cacheMetrics) Close() error {
	return nil
}

// noopCacheMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopCacheMetrics struct{}

func (n *noopCacheMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {}

func (n *noopCacheMetrics) RecordPut(ctx context.Context, duration time.Duration, bytes int64, blocks int) {
}

func (n *noopCacheMetrics) RecordRemove(ctx context.Context, duration time.Duration, removed int) {}

func (n *noopCacheMetrics) RecordReset(ctx context.Context, reason string) {}

func (n *noopCacheMetrics) RecordEviction(ctx context.Context, count int) {}

func (n *noopCacheMetrics) RecordSaveKeys(ctx context.Context, duration time.Duration, keys int, err error) {
}

func (n *noopCacheMetrics) RecordError(ctx context.Context, operation, errorType string) {}

// Close is a no-op.
func (n *noopCacheMetrics) Close() error {
	return nil
}
