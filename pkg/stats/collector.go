package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Cache operation types
const (
	OpGet         OperationType = "get"
	OpGetMatching OperationType = "get_matching"
	OpPut         OperationType = "put"
	OpRemove      OperationType = "remove"
	OpRemoveAll   OperationType = "remove_all"
	OpSaveKeys    OperationType = "save_keys"
	OpReset       OperationType = "reset"
	OpEvict       OperationType = "evict"
	OpExpire      OperationType = "expire"
	OpVerify      OperationType = "verify"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	// Usage metrics
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	hits              atomic.Uint64
	misses            atomic.Uint64
	evictions         atomic.Uint64

	// Error tracking
	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	// Reset reasons
	resets   map[string]*atomic.Uint64
	resetsMu sync.RWMutex

	keyLoad KeyLoadStats

	// Latency tracking
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// KeyLoadStats tracks the last key file load at startup
type KeyLoadStats struct {
	KeysLoaded atomic.Uint64
	Failed     atomic.Bool
	Duration   atomic.Int64 // nanoseconds
	format     atomic.Value // string
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		resets:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	getOrCreateNamed(&c.errorsMu, c.errors, errorType).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackHit records a get that found its key
func (c *AtomicCollector) TrackHit() {
	c.hits.Add(1)
}

// TrackMiss records a get that did not find its key
func (c *AtomicCollector) TrackMiss() {
	c.misses.Add(1)
}

// TrackEvictions adds n policy evictions
func (c *AtomicCollector) TrackEvictions(n uint64) {
	c.evictions.Add(n)
}

// TrackReset records a region reset
func (c *AtomicCollector) TrackReset(reason string) {
	c.TrackOperation(OpReset)
	getOrCreateNamed(&c.resetsMu, c.resets, reason).Add(1)
}

// StartKeyLoad initializes key load statistics
func (c *AtomicCollector) StartKeyLoad() time.Time {
	c.keyLoad.KeysLoaded.Store(0)
	c.keyLoad.Failed.Store(false)
	c.keyLoad.Duration.Store(0)
	c.keyLoad.format.Store("")
	return time.Now()
}

// FinishKeyLoad completes key load statistics
func (c *AtomicCollector) FinishKeyLoad(startTime time.Time, keysLoaded uint64, format string, failed bool) {
	c.keyLoad.KeysLoaded.Store(keysLoaded)
	c.keyLoad.Failed.Store(failed)
	c.keyLoad.format.Store(format)
	c.keyLoad.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["hits"] = c.hits.Load()
	stats["misses"] = c.misses.Load()
	stats["evictions"] = c.evictions.Load()

	stats["errors"] = snapshotNamed(&c.errorsMu, c.errors)
	stats["resets"] = snapshotNamed(&c.resetsMu, c.resets)

	keyLoad := map[string]interface{}{
		"keys_loaded": c.keyLoad.KeysLoaded.Load(),
		"failed":      c.keyLoad.Failed.Load(),
	}
	if format, _ := c.keyLoad.format.Load().(string); format != "" {
		keyLoad["format"] = format
	}
	if d := c.keyLoad.Duration.Load(); d > 0 {
		keyLoad["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["key_load"] = keyLoad

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

// getOrCreateLatencyTracker gets or creates a latency tracker for the operation
func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

func getOrCreateNamed(mu *sync.RWMutex, m map[string]*atomic.Uint64, name string) *atomic.Uint64 {
	mu.RLock()
	counter, exists := m[name]
	mu.RUnlock()

	if !exists {
		mu.Lock()
		if counter, exists = m[name]; !exists {
			counter = &atomic.Uint64{}
			m[name] = counter
		}
		mu.Unlock()
	}
	return counter
}

func snapshotNamed(mu *sync.RWMutex, m map[string]*atomic.Uint64) map[string]uint64 {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]uint64, len(m))
	for name, counter := range m {
		out[name] = counter.Load()
	}
	return out
}
