package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/diskcache/pkg/serialization"
)

// TuningResults stores the results of various configuration tuning runs
type TuningResults struct {
	Timestamp  time.Time                    `json:"timestamp"`
	Parameters []string                     `json:"parameters"`
	Results    map[string][]TuningBenchmark `json:"results"`
}

// TuningBenchmark stores the result of a single configuration test
type TuningBenchmark struct {
	ConfigName   string           `json:"config_name"`
	ConfigValue  interface{}      `json:"config_value"`
	WriteResults BenchmarkMetrics `json:"write_results"`
	ReadResults  BenchmarkMetrics `json:"read_results"`
	MixedResults BenchmarkMetrics `json:"mixed_results"`
	FileBytes    int64            `json:"file_bytes"`
}

// BenchmarkMetrics stores the key metrics from a benchmark
type BenchmarkMetrics struct {
	Throughput float64 `json:"throughput"`
	Latency    float64 `json:"latency"`
	Duration   float64 `json:"duration"`
	Operations int     `json:"operations"`
	HitRate    float64 `json:"hit_rate,omitempty"`
}

// ConfigOption represents a configuration option to test
type ConfigOption struct {
	Name   string
	Values []interface{}
	Apply  func(p *params, v interface{})
}

var tuningOptions = []ConfigOption{
	{
		Name:   "BlockSize",
		Values: []interface{}{1024, 4096, 16384},
		Apply:  func(p *params, v interface{}) { p.BlockSize = v.(int) },
	},
	{
		Name:   "Serializer",
		Values: []interface{}{serialization.NameStandard, serialization.NameZstd, serialization.NameS2},
		Apply:  func(p *params, v interface{}) { p.Serializer = v.(string) },
	},
}

func metricsOf(r BenchmarkResult) BenchmarkMetrics {
	return BenchmarkMetrics{
		Throughput: r.Throughput,
		Latency:    r.Latency,
		Duration:   r.Duration,
		Operations: r.Operations,
		HitRate:    r.HitRate,
	}
}

// RunConfigTuning runs the write, read and mixed benchmarks for every value
// of every tuning option and writes the results as JSON to resultPath, with
// a recommendations.md next to it.
func RunConfigTuning(base params, resultPath string) error {
	fmt.Println("Starting configuration tuning...")

	results := &TuningResults{
		Timestamp: time.Now(),
		Parameters: []string{fmt.Sprintf("Keys: %d, ValueSize: %d bytes, Duration: %s",
			base.Keys, base.ValueSize, base.Duration)},
		Results: make(map[string][]TuningBenchmark),
	}

	for _, option := range tuningOptions {
		fmt.Printf("Testing %s variations...\n", option.Name)
		optionResults := make([]TuningBenchmark, 0, len(option.Values))

		for _, value := range option.Values {
			fmt.Printf("  Testing %s=%v\n", option.Name, value)
			p := base
			p.Dir = filepath.Join(base.Dir, fmt.Sprintf("tune-%s-%v", strings.ToLower(option.Name), value))
			option.Apply(&p, value)

			benchmark, err := runTuningBenchmark(p)
			if err != nil {
				fmt.Printf("Error testing %s=%v: %v\n", option.Name, value, err)
				continue
			}
			benchmark.ConfigName = option.Name
			benchmark.ConfigValue = value
			optionResults = append(optionResults, *benchmark)
		}

		results.Results[option.Name] = optionResults
	}

	if err := os.MkdirAll(filepath.Dir(resultPath), 0755); err != nil {
		return fmt.Errorf("failed to create tuning directory: %w", err)
	}
	resultData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultPath, resultData, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	recommendations := generateRecommendations(results)
	if err := os.WriteFile(filepath.Join(filepath.Dir(resultPath), "recommendations.md"), []byte(recommendations), 0644); err != nil {
		return fmt.Errorf("failed to write recommendations: %w", err)
	}

	fmt.Printf("Tuning complete. Results saved to %s\n", resultPath)
	return nil
}

func runTuningBenchmark(p params) (*TuningBenchmark, error) {
	write, err := runBenchmark("write", p)
	if err != nil {
		return nil, err
	}
	read, err := runBenchmark("read", p)
	if err != nil {
		return nil, err
	}
	mixed, err := runBenchmark("mixed", p)
	if err != nil {
		return nil, err
	}

	return &TuningBenchmark{
		WriteResults: metricsOf(write),
		ReadResults:  metricsOf(read),
		MixedResults: metricsOf(mixed),
		FileBytes:    mixed.FileBytes,
	}, nil
}

// generateRecommendations picks the best value of each option by mixed
// throughput and renders a markdown summary.
func generateRecommendations(results *TuningResults) string {
	var sb strings.Builder
	sb.WriteString("# Configuration Recommendations\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", results.Timestamp.Format(time.RFC3339)))
	for _, p := range results.Parameters {
		sb.WriteString(fmt.Sprintf("- %s\n", p))
	}

	for _, option := range tuningOptions {
		runs := results.Results[option.Name]
		sb.WriteString(fmt.Sprintf("\n## %s\n\n", option.Name))
		if len(runs) == 0 {
			sb.WriteString("No successful runs.\n")
			continue
		}

		sb.WriteString("| Value | Write ops/s | Read ops/s | Mixed ops/s | File bytes |\n")
		sb.WriteString("|-------|-------------|------------|-------------|------------|\n")
		best := runs[0]
		for _, r := range runs {
			sb.WriteString(fmt.Sprintf("| %v | %.2f | %.2f | %.2f | %d |\n",
				r.ConfigValue, r.WriteResults.Throughput, r.ReadResults.Throughput,
				r.MixedResults.Throughput, r.FileBytes))
			if r.MixedResults.Throughput > best.MixedResults.Throughput {
				best = r
			}
		}
		sb.WriteString(fmt.Sprintf("\nRecommended: **%v** (%.2f mixed ops/s)\n", best.ConfigValue, best.MixedResults.Throughput))
	}
	return sb.String()
}
