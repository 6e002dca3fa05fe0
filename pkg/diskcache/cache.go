// Package diskcache is the disk tier of a cache region. It stores elements in
// a block file and keeps the key to block mapping in an LRU key index that is
// persisted next to it.
//
// All mutations of a region happen under one write lock and reads share a
// read lock. The key index persists under its own file lock, always taken
// after the region lock.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/diskcache/pkg/blockdisk"
	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/config"
	"github.com/KevoDB/diskcache/pkg/element"
	"github.com/KevoDB/diskcache/pkg/keystore"
	"github.com/KevoDB/diskcache/pkg/match"
	"github.com/KevoDB/diskcache/pkg/scheduler"
	"github.com/KevoDB/diskcache/pkg/serialization"
	"github.com/KevoDB/diskcache/pkg/stats"
	"github.com/KevoDB/diskcache/pkg/telemetry"
)

var (
	// ErrNotAlive is returned by operations that report errors when the
	// region is disposed or failed
	ErrNotAlive = errors.New("disk cache region is not alive")
	// ErrDisposeTimeout is returned when disposal does not finish in time
	ErrDisposeTimeout = errors.New("disk cache dispose timed out")
	// ErrKeyMismatch is returned when blocks decode to an element of another key
	ErrKeyMismatch = errors.New("stored element has a different key")
)

// verifyConcurrency bounds the parallel reads of a disk verification.
const verifyConcurrency = 4

// Reset reasons
const (
	ReasonKeyLoadFailed   = "key_load_failed"
	ReasonInvalidManifest = "invalid_manifest"
	ReasonGeometryChanged = "geometry_changed"
	ReasonSharedBlocks    = "shared_blocks"
	ReasonBlocksMissing   = "blocks_missing"
	ReasonVerifyFailed    = "verify_failed"
	ReasonReadFailed      = "read_failed"
	ReasonRemoveAll       = "remove_all"
)

// State is the lifecycle state of a region.
type State int32

const (
	// StateInitializing is the state while files are opened and checked
	StateInitializing State = iota
	// StateAlive is the serving state
	StateAlive
	// StateFailed means a reset could not clear the files; only RemoveAll
	// and Dispose do anything
	StateFailed
	// StateDisposed is terminal
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAlive:
		return "alive"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cache is the disk tier of one region.
type Cache struct {
	cfg    *config.RegionConfig
	name   string
	logger log.Logger

	serializer     serialization.Serializer
	ownsSerializer bool
	scheduler      scheduler.Scheduler
	ownsScheduler  bool
	matcher        match.KeyMatcher
	tel            telemetry.Telemetry
	metrics        CacheMetrics
	stats          stats.Collector

	// mu is the region lock. It is not reentrant: a holder must never call a
	// method that takes it again.
	mu       sync.RWMutex
	disk     *blockdisk.BlockDisk
	keys     *keystore.KeyStore
	manifest *config.Manifest

	state    atomic.Int32
	saveTask scheduler.Task
}

// Option configures a Cache.
type Option func(*Cache)

// WithSerializer sets the element serializer instead of the configured one.
func WithSerializer(s serialization.Serializer) Option {
	return func(c *Cache) {
		c.serializer = s
	}
}

// WithScheduler runs key persistence on a host supplied scheduler. The cache
// does not shut it down.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *Cache) {
		c.scheduler = s
	}
}

// WithMatcher sets the matcher used by GetMatching.
func WithMatcher(m match.KeyMatcher) Option {
	return func(c *Cache) {
		c.matcher = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTelemetry records metrics through tel.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(c *Cache) {
		c.tel = tel
	}
}

// WithStats sets the statistics collector, so several regions can share one.
func WithStats(collector stats.Collector) Option {
	return func(c *Cache) {
		c.stats = collector
	}
}

// New opens the region described by cfg, recovering its key index from disk.
// A key file or data file that cannot be trusted is discarded and the region
// starts empty; New only fails when the files cannot be opened or reset.
func New(cfg *config.RegionConfig, opts ...Option) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil region config", config.ErrInvalidConfig)
	}
	rc := *cfg
	rc.ResolveBlockSize()
	rc.ApplyDefaults()
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:    &rc,
		name:   rc.Name,
		logger: log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("region", rc.Name)

	if c.serializer == nil {
		s, err := serialization.New(rc.Serializer)
		if err != nil {
			return nil, fmt.Errorf("failed to create serializer: %w", err)
		}
		c.serializer = s
		c.ownsSerializer = true
	}
	if c.matcher == nil {
		c.matcher = match.NewPatternMatcher(c.logger)
	}
	if c.stats == nil {
		c.stats = stats.NewAtomicCollector()
	}
	c.metrics = NewCacheMetrics(c.tel, rc.Name)
	if c.scheduler == nil && rc.KeyPersistenceInterval > 0 {
		c.scheduler = scheduler.NewTickerScheduler(c.logger)
		c.ownsScheduler = true
	}

	if err := os.MkdirAll(rc.DiskPath, 0755); err != nil {
		c.closeSerializer()
		return nil, fmt.Errorf("failed to create region directory: %w", err)
	}

	disk, err := blockdisk.New(rc.DataPath(), rc.BlockSize(), c.serializer, blockdisk.WithLogger(c.logger))
	if err != nil {
		c.closeSerializer()
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	c.disk = disk
	c.keys = keystore.New(rc.KeyPath(), rc.Policy(),
		keystore.WithEvictionHandler(c.onEvict),
		keystore.WithVerify(!rc.SkipKeyStoreVerify),
		keystore.WithLogger(c.logger),
	)

	c.mu.Lock()
	err = c.initializeLocked()
	c.mu.Unlock()
	if err != nil {
		c.disk.Close()
		c.closeSerializer()
		return nil, err
	}

	c.state.Store(int32(StateAlive))

	if rc.KeyPersistenceInterval > 0 {
		task, err := c.scheduler.ScheduleAtFixedRate("save-keys-"+rc.Name, rc.KeyPersistenceInterval, c.persistKeys)
		if err != nil {
			c.logger.Warn("Periodic key persistence disabled: %v", err)
		} else {
			c.saveTask = task
		}
	}

	c.logger.Info("Region alive with %d keys in %d blocks", c.keys.Size(), c.disk.BlockCount())
	return c, nil
}

// initializeLocked loads the key index and checks it against the data file,
// resetting both when they disagree. Callers hold the write lock.
func (c *Cache) initializeLocked() error {
	start := c.stats.StartKeyLoad()
	loadErr := c.keys.Load()
	c.stats.FinishKeyLoad(start, uint64(c.keys.Size()), c.keys.LoadedFormat().String(), loadErr != nil)

	var reason string
	if loadErr != nil {
		c.logger.Error("Failed to load keys: %v", loadErr)
		reason = ReasonKeyLoadFailed
	} else {
		reason = c.checkManifest()
	}

	if reason == "" && !c.keys.IsEmpty() {
		reason = c.checkKeys()
	}

	if reason != "" {
		if err := c.resetLocked(reason); err != nil {
			return fmt.Errorf("failed to reset region %q: %w", c.name, err)
		}
	}

	free := c.disk.RebuildFreeList(c.keys.UsedBlocks())
	c.logger.Debug("%d of %d blocks free", free, c.disk.BlockCount())

	if c.manifest == nil {
		c.manifest = config.NewManifest(c.cfg)
	}
	c.manifest.Serializer = c.cfg.Serializer
	if err := config.SaveManifest(c.cfg.ManifestPath(), c.manifest); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// checkManifest returns a reset reason when the files on disk were written
// with another geometry. A missing manifest is accepted.
func (c *Cache) checkManifest() string {
	m, err := config.LoadManifest(c.cfg.ManifestPath())
	switch {
	case errors.Is(err, config.ErrManifestNotFound):
		return ""
	case err != nil:
		c.logger.Warn("Discarding region files: %v", err)
		return ReasonInvalidManifest
	}

	if ok, why := m.Compatible(c.cfg); !ok {
		c.logger.Warn("Discarding region files: %s", why)
		return ReasonGeometryChanged
	}
	c.manifest = m
	return ""
}

// checkKeys returns a reset reason when the loaded index cannot describe the
// data file.
func (c *Cache) checkKeys() string {
	if res := c.keys.Verify(); !res.OK {
		c.logger.Error("Key file maps %d blocks to more than one key", len(res.Conflicts))
		return ReasonSharedBlocks
	}

	used := c.keys.UsedBlocks()
	if !used.IsEmpty() && used.Maximum() >= c.disk.BlockCount() {
		c.logger.Error("Key file references block %d beyond the %d blocks of the data file",
			used.Maximum(), c.disk.BlockCount())
		return ReasonBlocksMissing
	}

	if err := c.verifySample(); err != nil {
		c.logger.Error("Disk verification failed: %v", err)
		return ReasonVerifyFailed
	}
	return ""
}

// Name returns the region name.
func (c *Cache) Name() string {
	return c.name
}

// Config returns the effective region configuration.
func (c *Cache) Config() config.RegionConfig {
	return *c.cfg
}

// State returns the lifecycle state.
func (c *Cache) State() State {
	return State(c.state.Load())
}

// Alive reports whether the region serves requests.
func (c *Cache) Alive() bool {
	return c.State() == StateAlive
}

// Get returns the element stored for key. Any failure to read it is reported
// as a miss, and since a bad read means the block mapping cannot be trusted,
// it also resets the region. An expired element is removed and reported as a
// miss.
func (c *Cache) Get(key element.Key) (*element.Element, bool) {
	if !c.Alive() {
		return nil, false
	}
	start := time.Now()

	c.mu.RLock()
	if !c.Alive() {
		c.mu.RUnlock()
		return nil, false
	}
	blocks, ok := c.keys.Get(key)
	if !ok {
		c.mu.RUnlock()
		c.trackGet(start, false)
		return nil, false
	}
	e, err := c.disk.Read(blocks)
	if err == nil && e.Key != key {
		err = fmt.Errorf("%w: read %s", ErrKeyMismatch, e.Key)
	}
	c.mu.RUnlock()

	if err != nil {
		c.logger.WithField("key", key.String()).Error("Failed to read element, resetting region: %v", err)
		c.stats.TrackError("get_read_failed")
		c.metrics.RecordError(context.Background(), telemetry.OpTypeGet, ReasonReadFailed)
		c.trackGet(start, false)
		c.reset(ReasonReadFailed)
		return nil, false
	}

	if e.IsExpired(time.Now()) {
		c.removeExpired(key, blocks)
		c.trackGet(start, false)
		return nil, false
	}

	c.trackGet(start, true)
	c.stats.TrackBytes(false, uint64(len(e.Value)))
	return e, true
}

// removeExpired drops key unless it was rewritten since blocks were read.
func (c *Cache) removeExpired(key element.Key, blocks []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Alive() {
		return
	}
	current, ok := c.keys.Peek(key)
	if !ok || !slices.Equal(current, blocks) {
		return
	}
	c.keys.Remove(key)
	c.disk.FreeBlocks(blocks)
	c.stats.TrackOperation(stats.OpExpire)
	c.logger.WithField("key", key.String()).Debug("Removed expired element")
}

func (c *Cache) trackGet(start time.Time, found bool) {
	duration := time.Since(start)
	c.stats.TrackOperationWithLatency(stats.OpGet, uint64(duration.Nanoseconds()))
	if found {
		c.stats.TrackHit()
	} else {
		c.stats.TrackMiss()
	}
	c.metrics.RecordGet(context.Background(), duration, found)
}

// GetMatching returns every element whose key matches pattern. The key set is
// snapshotted first and each match is then read on its own, so writers may
// change the region during the scan.
func (c *Cache) GetMatching(pattern string) map[element.Key]*element.Element {
	result := make(map[element.Key]*element.Element)
	if !c.Alive() {
		return result
	}
	start := time.Now()

	matched := c.matcher.Match(pattern, c.KeySet())
	for _, key := range matched {
		if e, ok := c.Get(key); ok {
			result[key] = e
		}
	}

	c.stats.TrackOperationWithLatency(stats.OpGetMatching, uint64(time.Since(start).Nanoseconds()))
	return result
}

// Put writes e to disk, replacing any previous value of its key. The old
// blocks are freed before the new value is written, so a failed write leaves
// the key absent. Elements not marked for spooling are ignored, as are group
// sentinel and prefix keys, which only address bulk removal.
func (c *Cache) Put(e *element.Element) {
	if e == nil || !e.Key.Valid() || !c.Alive() {
		return
	}
	logger := c.logger.WithField("key", e.Key.String())
	if e.Key.IsGroupSentinel() || e.Key.IsPrefix() {
		logger.Warn("Refusing to store an element under a bulk removal key")
		c.stats.TrackError("put_reserved_key")
		return
	}
	if !e.Attributes.IsSpool {
		logger.Debug("Element is not spoolable, skipping")
		return
	}

	stamped := *e
	if stamped.Region == "" {
		stamped.Region = c.name
	}

	start := time.Now()
	c.mu.Lock()
	if !c.Alive() {
		c.mu.Unlock()
		return
	}
	if old, ok := c.keys.Remove(stamped.Key); ok {
		c.disk.FreeBlocks(old)
	}
	blocks, err := c.disk.Write(&stamped)
	if err == nil {
		c.keys.Put(stamped.Key, blocks)
	}
	c.mu.Unlock()

	if err != nil {
		logger.Error("Failed to write element: %v", err)
		c.stats.TrackError("put_write_failed")
		c.metrics.RecordError(context.Background(), telemetry.OpTypePut, "write_failed")
		return
	}

	duration := time.Since(start)
	c.stats.TrackOperationWithLatency(stats.OpPut, uint64(duration.Nanoseconds()))
	c.stats.TrackBytes(true, uint64(len(stamped.Value)))
	c.metrics.RecordPut(context.Background(), duration, int64(len(stamped.Value)), len(blocks))
}

// Remove drops key and frees its blocks. A group sentinel key removes every
// key of the group and a key ending in the name delimiter removes every
// ungrouped key with that prefix. Remove reports whether anything was removed.
func (c *Cache) Remove(key element.Key) bool {
	if !key.Valid() || !c.Alive() {
		return false
	}
	start := time.Now()

	c.mu.Lock()
	if !c.Alive() {
		c.mu.Unlock()
		return false
	}

	var targets []element.Key
	switch {
	case key.IsGroupSentinel():
		for _, k := range c.keys.Keys() {
			if k.Group == key.Group {
				targets = append(targets, k)
			}
		}
	case key.IsPrefix():
		for _, k := range c.keys.Keys() {
			if k.MatchesPrefix(key.Name) {
				targets = append(targets, k)
			}
		}
	default:
		targets = []element.Key{key}
	}

	removed := 0
	for _, k := range targets {
		if blocks, ok := c.keys.Remove(k); ok {
			c.disk.FreeBlocks(blocks)
			removed++
		}
	}
	c.mu.Unlock()

	duration := time.Since(start)
	c.stats.TrackOperationWithLatency(stats.OpRemove, uint64(duration.Nanoseconds()))
	c.metrics.RecordRemove(context.Background(), duration, removed)
	if removed > 1 {
		c.logger.WithField("key", key.String()).Debug("Removed %d keys", removed)
	}
	return removed > 0
}

// RemoveAll empties the region, truncating the data file. It is also the way
// back from the failed state. Regions configured with DisableRemoveAll
// ignore it.
func (c *Cache) RemoveAll() {
	if c.cfg.DisableRemoveAll {
		c.logger.Warn("RemoveAll is disabled for this region")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != StateAlive && s != StateFailed {
		return
	}
	c.stats.TrackOperation(stats.OpRemoveAll)
	if err := c.resetLocked(ReasonRemoveAll); err != nil {
		c.logger.Error("RemoveAll failed: %v", err)
	}
}

// KeySet returns the keys of the region, least recently used first.
func (c *Cache) KeySet() []element.Key {
	if !c.Alive() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys.Keys()
}

// Size returns the number of keys in the region.
func (c *Cache) Size() int {
	if !c.Alive() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys.Size()
}

// VerifyDisk checks that no block is shared between keys and reads back a
// sample of the stored elements. A failed check resets the region.
func (c *Cache) VerifyDisk() bool {
	if !c.Alive() {
		return false
	}
	start := time.Now()

	c.mu.RLock()
	res := c.keys.Verify()
	var err error
	if res.OK {
		err = c.verifySample()
	} else {
		err = fmt.Errorf("%w: %d shared blocks", keystore.ErrInconsistent, len(res.Conflicts))
	}
	c.mu.RUnlock()

	c.stats.TrackOperationWithLatency(stats.OpVerify, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		c.logger.Error("Disk verification failed, resetting region: %v", err)
		c.stats.TrackError("verify_failed")
		c.metrics.RecordError(context.Background(), telemetry.OpTypeVerify, ReasonVerifyFailed)
		c.reset(ReasonVerifyFailed)
		return false
	}
	return true
}

// verifySample reads up to VerifySampleSize entries spread over the index.
// Callers hold the region lock.
func (c *Cache) verifySample() error {
	sample := sampleEntries(c.keys.Entries(), c.cfg.VerifySampleSize)
	if len(sample) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(verifyConcurrency)
	for _, entry := range sample {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e, err := c.disk.Read(entry.Blocks)
			if err != nil {
				return fmt.Errorf("key %s: %w", entry.Key, err)
			}
			if e.Key != entry.Key {
				return fmt.Errorf("key %s: %w: read %s", entry.Key, ErrKeyMismatch, e.Key)
			}
			return nil
		})
	}
	return g.Wait()
}

// sampleEntries picks at most n entries evenly spaced over entries.
func sampleEntries(entries []keystore.Entry, n int) []keystore.Entry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	sample := make([]keystore.Entry, n)
	step := float64(len(entries)) / float64(n)
	for i := range sample {
		sample[i] = entries[int(float64(i)*step)]
	}
	return sample
}

// SaveKeys writes the key index to its file.
func (c *Cache) SaveKeys() error {
	if !c.Alive() {
		return ErrNotAlive
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveKeysLocked()
}

func (c *Cache) saveKeysLocked() error {
	start := time.Now()
	count := c.keys.Size()
	err := c.keys.Save()
	duration := time.Since(start)

	c.stats.TrackOperationWithLatency(stats.OpSaveKeys, uint64(duration.Nanoseconds()))
	c.metrics.RecordSaveKeys(context.Background(), duration, count, err)
	if err != nil {
		c.stats.TrackError("save_keys_failed")
		return fmt.Errorf("failed to save keys of region %q: %w", c.name, err)
	}
	return nil
}

// persistKeys is the periodic key persistence task.
func (c *Cache) persistKeys() {
	if err := c.SaveKeys(); err != nil && !errors.Is(err, ErrNotAlive) {
		c.logger.Error("Periodic key save failed: %v", err)
	}
}

// Dispose saves the key index, stops periodic persistence and closes the data
// file. It waits at most DisposeTimeout; on timeout the shutdown keeps running
// in the background and ErrDisposeTimeout is returned. The region is disposed
// either way.
func (c *Cache) Dispose() error {
	for {
		s := c.State()
		if s == StateDisposed {
			return nil
		}
		if c.state.CompareAndSwap(int32(s), int32(StateDisposed)) {
			break
		}
	}

	c.logger.Info("Disposing region")
	done := make(chan error, 1)
	go func() {
		done <- c.shutdown()
	}()

	timer := time.NewTimer(c.cfg.DisposeTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		c.logger.Error("Dispose did not finish within %s", c.cfg.DisposeTimeout)
		return ErrDisposeTimeout
	}
}

func (c *Cache) shutdown() error {
	var errs []error

	c.mu.Lock()
	if err := c.saveKeysLocked(); err != nil {
		errs = append(errs, err)
	}
	c.mu.Unlock()

	// Cancel waits for a running save, which needs the region lock.
	if c.saveTask != nil {
		c.saveTask.Cancel()
	}
	if c.ownsScheduler {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisposeTimeout)
		if err := c.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	c.mu.Lock()
	if err := c.disk.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close data file: %w", err))
	}
	c.mu.Unlock()

	c.closeSerializer()
	c.metrics.Close()

	if len(errs) > 0 {
		c.stats.TrackError("dispose_failed")
	}
	return errors.Join(errs...)
}

func (c *Cache) closeSerializer() {
	if !c.ownsSerializer {
		return
	}
	if closer, ok := c.serializer.(io.Closer); ok {
		closer.Close()
	}
}

// reset takes the write lock and resets an alive region.
func (c *Cache) reset(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Alive() {
		return
	}
	if err := c.resetLocked(reason); err != nil {
		c.logger.Error("Reset failed: %v", err)
	}
}

// resetLocked clears the key index, truncates the data file and saves the
// empty index. A failure leaves the region failed. Callers hold the write
// lock.
func (c *Cache) resetLocked(reason string) error {
	c.logger.Warn("Resetting region (%s)", reason)
	c.stats.TrackOperation(stats.OpReset)
	c.stats.TrackReset(reason)
	c.metrics.RecordReset(context.Background(), reason)

	c.keys.Clear()
	err := c.disk.Reset()
	if err == nil {
		err = c.keys.Save()
	}
	if err != nil {
		c.stats.TrackError("reset_failed")
		c.state.CompareAndSwap(int32(StateAlive), int32(StateFailed))
		return err
	}

	c.state.CompareAndSwap(int32(StateFailed), int32(StateAlive))
	return nil
}

// onEvict frees the blocks of keys dropped by the key policy. It runs after
// the key index released its lock, with the region lock still held by the
// caller of the key index.
func (c *Cache) onEvict(key element.Key, blocks []uint32) {
	c.disk.FreeBlocks(blocks)
	c.stats.TrackEvictions(1)
	c.stats.TrackOperation(stats.OpEvict)
	c.metrics.RecordEviction(context.Background(), 1)
	c.logger.WithField("key", key.String()).Debug("Evicted, freed %d blocks", len(blocks))
}
