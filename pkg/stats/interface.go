package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
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

	// TrackHit records a get that found its key
	TrackHit()

	// TrackMiss records a get that did not find its key
	TrackMiss()

	// TrackEvictions adds n entries evicted by the key policy
	TrackEvictions(n uint64)

	// TrackReset records a region reset and its reason
	TrackReset(reason string)

	// StartKeyLoad initializes key load statistics
	StartKeyLoad() time.Time

	// FinishKeyLoad completes key load statistics
	FinishKeyLoad(startTime time.Time, keysLoaded uint64, format string, failed bool)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
