package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testParams(t *testing.T) params {
	return params{
		Dir:        t.TempDir(),
		Keys:       200,
		ValueSize:  64,
		BlockSize:  256,
		Serializer: "standard",
		Duration:   20 * time.Millisecond,
	}
}

func TestRunBenchmarks(t *testing.T) {
	p := testParams(t)
	for _, name := range order {
		t.Run(name, func(t *testing.T) {
			result, err := runBenchmark(name, p)
			require.NoError(t, err)
			require.Positive(t, result.Operations)
			require.Equal(t, 256, result.BlockSize)
			require.Equal(t, "standard", result.Serializer)
			require.Positive(t, result.FileBytes)
		})
	}
}

func TestReadBenchmarkHitRate(t *testing.T) {
	p := testParams(t)
	p.Sequential = true
	result, err := runBenchmark("read", p)
	require.NoError(t, err)
	require.InDelta(t, 50, result.HitRate, 1)
}

func TestChurnBenchmarkStaysBounded(t *testing.T) {
	p := testParams(t)
	p.Duration = 50 * time.Millisecond
	result, err := runBenchmark("churn", p)
	require.NoError(t, err)
	require.Greater(t, result.Operations, 20)

	// 20 live keys with one block each, plus blocks freed by eviction.
	require.LessOrEqual(t, result.FileBytes, int64(21*p.BlockSize))
}

func TestUnknownBenchmark(t *testing.T) {
	_, err := runBenchmark("scan", testParams(t))
	require.Error(t, err)
}

func TestResultCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.csv")
	in := []BenchmarkResult{{
		BenchmarkType: "Write",
		NumKeys:       10,
		ValueSize:     100,
		BlockSize:     4096,
		Serializer:    "zstd",
		Operations:    1000,
		Duration:      1.5,
		Throughput:    666.67,
		Latency:       1500,
		FileBytes:     40960,
		FreeBlocks:    3,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	require.NoError(t, SaveResultCSV(in, path))

	out, err := LoadResultCSV(path)
	require.NoError(t, err)
	require.Equal(t, in, out)

	var buf bytes.Buffer
	PrintResultTable(&buf, out)
	require.Contains(t, buf.String(), "| Write           |")
	require.Contains(t, buf.String(), "1.50ms")
}

func TestConfigTuning(t *testing.T) {
	p := testParams(t)
	p.Duration = 5 * time.Millisecond
	path := filepath.Join(p.Dir, "tuning", "tuning_results.json")
	require.NoError(t, RunConfigTuning(p, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var results TuningResults
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results.Results["BlockSize"], 3)
	require.Len(t, results.Results["Serializer"], 3)

	rec, err := os.ReadFile(filepath.Join(filepath.Dir(path), "recommendations.md"))
	require.NoError(t, err)
	require.Contains(t, string(rec), "## Serializer")
	require.Contains(t, string(rec), "Recommended:")
}
