package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	SlotWidth     int
	Layers        int
	Capacity      int
	Workers       int
	Operations    int
	Duration      float64 // seconds
	Throughput    float64 // operations per second
	Latency       float64 // microseconds per operation and worker
	Timestamp     time.Time
}

func newResult(name string, ops int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: name,
		SlotWidth:     *slotWidth,
		Layers:        *layers,
		Capacity:      *capacity,
		Workers:       *workers,
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if ops > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Microseconds()) * float64(*workers) / float64(ops)
	}
	return r
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
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "SlotWidth", "Layers", "Capacity", "Workers",
		"Operations", "Duration", "Throughput", "Latency",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.SlotWidth),
			strconv.Itoa(r.Layers),
			strconv.Itoa(r.Capacity),
			strconv.Itoa(r.Workers),
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Println("No results to display")
		return
	}

	fmt.Println("+-----------+--------+--------+-------+---------+--------------+----------+")
	fmt.Println("| Benchmark | Slot B | Layers | Slots | Workers |   Throughput | Latency  |")
	fmt.Println("+-----------+--------+--------+-------+---------+--------------+----------+")

	for _, r := range results {
		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Printf("| %-9s | %6d | %6d | %5d | %7d | %12.2f | %6.2f%s |\n",
			r.BenchmarkType, r.SlotWidth, r.Layers, r.Capacity, r.Workers,
			r.Throughput, latency, latencyUnit)
	}
	fmt.Println("+-----------+--------+--------+-------+---------+--------------+----------+")
}
