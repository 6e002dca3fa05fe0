package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/config"
	"github.com/KevoDB/diskcache/pkg/diskcache"
	"github.com/KevoDB/diskcache/pkg/element"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
	region           = "bench"
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, overwrite, churn, mixed, match, tune, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run the benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	blockSize     = flag.Int("block-size", config.DefaultBlockSize, "Block size in bytes")
	serializer    = flag.String("serializer", "standard", "Element serializer: standard, zstd or s2")
	maxKeys       = flag.Int("max-keys", 0, "Key limit of the churn benchmark (0 = keys/10)")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	csvFile       = flag.String("csv", "", "CSV file to write results to")
)

// params describes one benchmark run.
type params struct {
	Dir        string
	Keys       int
	ValueSize  int
	BlockSize  int
	Serializer string
	MaxKeys    int
	Duration   time.Duration
	Sequential bool
}

func (p params) regionConfig(dir string) *config.RegionConfig {
	cfg := config.NewDefaultRegionConfig(region, dir)
	cfg.BlockSizeBytes = p.BlockSize
	cfg.Serializer = p.Serializer
	cfg.MaxKeySize = p.MaxKeys
	return cfg
}

// openCache creates a fresh region in its own directory below p.Dir.
func (p params) openCache(name string) (*diskcache.Cache, error) {
	dir := filepath.Join(p.Dir, name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	return diskcache.New(p.regionConfig(dir),
		diskcache.WithLogger(log.NewStandardLogger(log.WithOutput(io.Discard))))
}

type runner func(c *diskcache.Cache, p params) BenchmarkResult

var runners = map[string]runner{
	"write":     runWriteBenchmark,
	"read":      runReadBenchmark,
	"overwrite": runOverwriteBenchmark,
	"churn":     runChurnBenchmark,
	"mixed":     runMixedBenchmark,
	"match":     runMatchBenchmark,
}

var order = []string{"write", "read", "overwrite", "churn", "mixed", "match"}

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create benchmark directory: %v\n", err)
		os.Exit(1)
	}

	p := params{
		Dir:        *dataDir,
		Keys:       *numKeys,
		ValueSize:  *valueSize,
		BlockSize:  *blockSize,
		Serializer: *serializer,
		MaxKeys:    *maxKeys,
		Duration:   *duration,
		Sequential: *sequential,
	}

	if strings.ToLower(*benchmarkType) == "tune" {
		if err := RunConfigTuning(p, filepath.Join(*dataDir, "tuning_results.json")); err != nil {
			fmt.Fprintf(os.Stderr, "Tuning failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	types := order
	if t := strings.ToLower(*benchmarkType); t != "all" {
		types = strings.Split(t, ",")
	}

	fmt.Printf("Running benchmarks: %s\n", strings.Join(types, ", "))
	fmt.Printf("Keys: %d, value size: %d, block size: %d, serializer: %s\n",
		p.Keys, p.ValueSize, p.BlockSize, p.Serializer)

	var results []BenchmarkResult
	for _, t := range types {
		result, err := runBenchmark(t, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Benchmark %s failed: %v\n", t, err)
			continue
		}
		fmt.Println(result)
		results = append(results, result)
	}

	fmt.Println()
	PrintResultTable(os.Stdout, results)

	if *resultsFile != "" {
		var sb strings.Builder
		for _, r := range results {
			sb.WriteString(r.String())
			sb.WriteString("\n")
		}
		if err := os.WriteFile(*resultsFile, []byte(sb.String()), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		} else {
			fmt.Printf("Results written to %s\n", *resultsFile)
		}
	}
	if *csvFile != "" {
		if err := SaveResultCSV(results, *csvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write CSV: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

// runBenchmark opens a fresh region, runs the named benchmark against it and
// disposes the region afterwards.
func runBenchmark(name string, p params) (BenchmarkResult, error) {
	run, ok := runners[name]
	if !ok {
		return BenchmarkResult{}, fmt.Errorf("unknown benchmark type %q", name)
	}
	if name == "churn" && p.MaxKeys == 0 {
		p.MaxKeys = max(p.Keys/10, 1)
	}
	c, err := p.openCache(name)
	if err != nil {
		return BenchmarkResult{}, err
	}

	result := run(c, p)
	stats := c.Statistics()
	result.BlockSize = stats.BlockSize
	result.Serializer = p.Serializer
	result.FileBytes = stats.DataFileLength
	result.FreeBlocks = stats.FreeBlocks
	result.Timestamp = time.Now()

	if err := c.Dispose(); err != nil {
		return result, err
	}
	return result, nil
}

func newResult(kind string, p params, ops int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: kind,
		NumKeys:       p.Keys,
		ValueSize:     p.ValueSize,
		Operations:    ops,
		Duration:      elapsed.Seconds(),
	}
	if ops > 0 && elapsed > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Nanoseconds()) / float64(ops) / 1000
	}
	return r
}

func benchKey(i int) element.Key {
	return element.NewKey(fmt.Sprintf("key-%010d", i))
}

func keyIndex(p params, i int, rng *rand.Rand) int {
	if p.Sequential {
		return i % p.Keys
	}
	return rng.Intn(p.Keys)
}

func randomValue(rng *rand.Rand, size int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(rng.Intn(256))
	}
	return value
}

// preload writes every key once.
func preload(c *diskcache.Cache, p params, value []byte) {
	for i := 0; i < p.Keys; i++ {
		c.Put(element.New(region, benchKey(i), value))
	}
}

// runWriteBenchmark puts new keys until the duration has passed.
func runWriteBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	value := randomValue(rand.New(rand.NewSource(1)), p.ValueSize)

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops := 0
	for time.Now().Before(deadline) && ops < p.Keys {
		c.Put(element.New(region, benchKey(ops), value))
		ops++
	}
	return newResult("Write", p, ops, time.Since(start))
}

// runReadBenchmark reads keys from a preloaded region. Only every second
// key is present so the hit rate reflects lookups of missing keys.
func runReadBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	value := randomValue(rng, p.ValueSize)
	for i := 0; i < p.Keys; i += 2 {
		c.Put(element.New(region, benchKey(i), value))
	}

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops, hits := 0, 0
	for time.Now().Before(deadline) {
		if _, ok := c.Get(benchKey(keyIndex(p, ops, rng))); ok {
			hits++
		}
		ops++
	}

	result := newResult("Read", p, ops, time.Since(start))
	if ops > 0 {
		result.HitRate = float64(hits) / float64(ops) * 100
	}
	return result
}

// runOverwriteBenchmark replaces existing keys with values of varying size,
// which moves entries between block runs of different lengths.
func runOverwriteBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	preload(c, p, randomValue(rng, p.ValueSize))

	values := [][]byte{
		randomValue(rng, p.ValueSize/2+1),
		randomValue(rng, p.ValueSize),
		randomValue(rng, p.ValueSize*2),
	}

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		c.Put(element.New(region, benchKey(keyIndex(p, ops, rng)), values[ops%len(values)]))
		ops++
	}
	return newResult("Overwrite", p, ops, time.Since(start))
}

// runChurnBenchmark writes into a count limited region so that every put
// past the limit evicts the least recently used entry.
func runChurnBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	value := randomValue(rand.New(rand.NewSource(1)), p.ValueSize)

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		c.Put(element.New(region, benchKey(ops), value))
		ops++
	}
	return newResult("Churn", p, ops, time.Since(start))
}

// runMixedBenchmark issues 75% reads and 25% writes.
func runMixedBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	value := randomValue(rng, p.ValueSize)
	preload(c, p, value)

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops, reads, hits := 0, 0, 0
	for time.Now().Before(deadline) {
		key := benchKey(keyIndex(p, ops, rng))
		if rng.Intn(4) == 0 {
			c.Put(element.New(region, key, value))
		} else {
			reads++
			if _, ok := c.Get(key); ok {
				hits++
			}
		}
		ops++
	}

	result := newResult("Mixed", p, ops, time.Since(start))
	if reads > 0 {
		result.HitRate = float64(hits) / float64(reads) * 100
	}
	return result
}

// runMatchBenchmark runs pattern lookups that each select about a tenth of
// the keys.
func runMatchBenchmark(c *diskcache.Cache, p params) BenchmarkResult {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	preload(c, p, randomValue(rng, p.ValueSize))

	start := time.Now()
	deadline := start.Add(p.Duration)
	ops := 0
	for time.Now().Before(deadline) {
		c.GetMatching(fmt.Sprintf("key-.*%d", rng.Intn(10)))
		ops++
	}
	return newResult("Match", p, ops, time.Since(start))
}
