package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	BlockSize     int
	Serializer    string
	Operations    int
	Duration      float64
	Throughput    float64
	Latency       float64 // µs per operation
	HitRate       float64 // For read benchmarks
	FileBytes     int64   // Data file length at the end of the run
	FreeBlocks    uint64
	Timestamp     time.Time
}

// String renders the result the way it is printed after a run.
func (r BenchmarkResult) String() string {
	s := fmt.Sprintf("\n%s Benchmark Results:", r.BenchmarkType)
	s += fmt.Sprintf("\n  Operations: %d", r.Operations)
	s += fmt.Sprintf("\n  Time: %.2f seconds", r.Duration)
	s += fmt.Sprintf("\n  Throughput: %.2f ops/sec (%.2f MB/sec)", r.Throughput, r.Throughput*float64(r.ValueSize)/(1024*1024))
	s += fmt.Sprintf("\n  Latency: %.3f µs/op", r.Latency)
	if r.HitRate > 0 {
		s += fmt.Sprintf("\n  Hit Rate: %.2f%%", r.HitRate)
	}
	s += fmt.Sprintf("\n  Data File: %.2f MB (%d free blocks)", float64(r.FileBytes)/(1024*1024), r.FreeBlocks)
	return s
}

var csvHeader = []string{
	"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "BlockSize", "Serializer",
	"Operations", "Duration", "Throughput", "Latency", "HitRate", "FileBytes", "FreeBlocks",
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			strconv.Itoa(r.BlockSize),
			r.Serializer,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			strconv.FormatInt(r.FileBytes, 10),
			strconv.FormatUint(r.FreeBlocks, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// LoadResultCSV loads benchmark results from a CSV file
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}

	// Skip header
	if len(records) <= 1 {
		return []BenchmarkResult{}, nil
	}
	records = records[1:]

	results := make([]BenchmarkResult, 0, len(records))
	for _, record := range records {
		if len(record) < len(csvHeader) {
			continue
		}

		timestamp, _ := time.Parse(time.RFC3339, record[0])
		numKeys, _ := strconv.Atoi(record[2])
		valueSize, _ := strconv.Atoi(record[3])
		blockSize, _ := strconv.Atoi(record[4])
		operations, _ := strconv.Atoi(record[6])
		duration, _ := strconv.ParseFloat(record[7], 64)
		throughput, _ := strconv.ParseFloat(record[8], 64)
		latency, _ := strconv.ParseFloat(record[9], 64)
		hitRate, _ := strconv.ParseFloat(record[10], 64)
		fileBytes, _ := strconv.ParseInt(record[11], 10, 64)
		freeBlocks, _ := strconv.ParseUint(record[12], 10, 64)

		results = append(results, BenchmarkResult{
			Timestamp:     timestamp,
			BenchmarkType: record[1],
			NumKeys:       numKeys,
			ValueSize:     valueSize,
			BlockSize:     blockSize,
			Serializer:    record[5],
			Operations:    operations,
			Duration:      duration,
			Throughput:    throughput,
			Latency:       latency,
			HitRate:       hitRate,
			FileBytes:     fileBytes,
			FreeBlocks:    freeBlocks,
		})
	}

	return results, nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(w io.Writer, results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results to display")
		return
	}

	fmt.Fprintln(w, "+-----------------+--------+---------+-------+----------+------------+----------+----------+")
	fmt.Fprintln(w, "| Benchmark Type  | Keys   | ValSize | Block | Codec    | Throughput | Latency  | Hit Rate |")
	fmt.Fprintln(w, "+-----------------+--------+---------+-------+----------+------------+----------+----------+")

	for _, r := range results {
		hitRateStr := "-"
		if r.HitRate > 0 {
			hitRateStr = fmt.Sprintf("%.2f%%", r.HitRate)
		}

		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Fprintf(w, "| %-15s | %6d | %7d | %5d | %-8s | %10.2f | %6.2f%s | %8s |\n",
			r.BenchmarkType,
			r.NumKeys,
			r.ValueSize,
			r.BlockSize,
			r.Serializer,
			r.Throughput,
			latency, latencyUnit,
			hitRateStr)
	}
	fmt.Fprintln(w, "+-----------------+--------+---------+-------+----------+------------+----------+----------+")
}
