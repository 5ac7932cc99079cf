// Package telemetry aggregates lifecycle metrics in process: summarization
// spend, archive volume, eviction pressure. It complements the exported otel
// counters with a mutex-guarded view the status endpoint and the shutdown
// report read directly.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/keepsakehq/keepsake/config"
)

// Cost estimation rates. Token counts are approximated from character counts;
// rates follow the default summarization model's pricing per 1K tokens.
const (
	charsPerToken      = 4
	costPer1KInputTok  = 0.00015
	costPer1KOutputTok = 0.0006
)

// Telemetry provides monitoring and cost tracking for the lifecycle daemons.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds the lifecycle performance counters.
type Metrics struct {
	// Summarization metrics
	SummarizeRuns        int64
	SummarizeFailures    int64
	AverageSummarizeTime time.Duration
	SummariesByKind      map[string]int64

	// Archive metrics
	ArchiveRuns   int64
	FilesArchived int64
	BytesArchived int64

	// Eviction metrics
	EvictionSweeps int64
	FilesEvicted   int64
	BytesEvicted   int64
}

// CostTracker tracks estimated summarization costs.
type CostTracker struct {
	DailyCosts map[string]float64 // day -> cost
	KindCosts  map[string]float64 // summary kind -> cost
	TotalCost  float64
	TotalChars int64
}

// SummarizeEvent represents one summarization call.
type SummarizeEvent struct {
	Day         string
	Kind        string
	Duration    time.Duration
	Success     bool
	Error       string
	InputChars  int
	OutputChars int
	Cost        float64
}

// ArchiveEvent represents one archival pass.
type ArchiveEvent struct {
	Day        string
	Duration   time.Duration
	Success    bool
	FilesMoved int
	BytesMoved int64
}

// EvictionEvent represents one guardian sweep that crossed the threshold.
type EvictionEvent struct {
	Duration          time.Duration
	FilesEvicted      int
	BytesFreed        int64
	UtilizationBefore float64
	UtilizationAfter  float64
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			SummariesByKind: make(map[string]int64),
		},
		costTracker: &CostTracker{
			DailyCosts: make(map[string]float64),
			KindCosts:  make(map[string]float64),
		},
	}

	// Periodic logs can be disabled via config
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordSummarizeEvent records one summarization call.
func (t *Telemetry) RecordSummarizeEvent(ctx context.Context, event SummarizeEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.SummarizeRuns++
	if !event.Success {
		t.metrics.SummarizeFailures++
	} else {
		t.metrics.SummariesByKind[event.Kind]++
	}

	if t.metrics.SummarizeRuns == 1 {
		t.metrics.AverageSummarizeTime = event.Duration
	} else {
		total := t.metrics.AverageSummarizeTime * time.Duration(t.metrics.SummarizeRuns-1)
		t.metrics.AverageSummarizeTime = (total + event.Duration) / time.Duration(t.metrics.SummarizeRuns)
	}

	if t.config.CostTracking {
		cost := event.Cost
		if cost == 0 {
			cost = EstimateCost(event.InputChars, event.OutputChars)
		}
		t.costTracker.TotalCost += cost
		t.costTracker.TotalChars += int64(event.InputChars + event.OutputChars)
		t.costTracker.DailyCosts[event.Day] += cost
		t.costTracker.KindCosts[event.Kind] += cost
	}

	t.logger.Printf("Summarize Event: Day=%s, Kind=%s, Success=%t, Duration=%v, Chars=%d",
		event.Day, event.Kind, event.Success, event.Duration, event.InputChars)
}

// RecordArchiveEvent records one archival pass.
func (t *Telemetry) RecordArchiveEvent(ctx context.Context, event ArchiveEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ArchiveRuns++
	t.metrics.FilesArchived += int64(event.FilesMoved)
	t.metrics.BytesArchived += event.BytesMoved

	t.logger.Printf("Archive Event: Day=%s, Success=%t, Duration=%v, Files=%d, Bytes=%d",
		event.Day, event.Success, event.Duration, event.FilesMoved, event.BytesMoved)
}

// RecordEvictionEvent records one guardian sweep that crossed the threshold.
func (t *Telemetry) RecordEvictionEvent(ctx context.Context, event EvictionEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.EvictionSweeps++
	t.metrics.FilesEvicted += int64(event.FilesEvicted)
	t.metrics.BytesEvicted += event.BytesFreed

	t.logger.Printf("Eviction Event: Files=%d, Bytes=%d, Utilization=%.2f->%.2f",
		event.FilesEvicted, event.BytesFreed, event.UtilizationBefore, event.UtilizationAfter)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.SummariesByKind = make(map[string]int64, len(t.metrics.SummariesByKind))
	for k, v := range t.metrics.SummariesByKind {
		metrics.SummariesByKind[k] = v
	}
	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:  t.costTracker.TotalCost,
		TotalChars: t.costTracker.TotalChars,
		DailyCosts: make(map[string]float64, len(t.costTracker.DailyCosts)),
		KindCosts:  make(map[string]float64, len(t.costTracker.KindCosts)),
	}
	for k, v := range t.costTracker.DailyCosts {
		summary.DailyCosts[k] = v
	}
	for k, v := range t.costTracker.KindCosts {
		summary.KindCosts[k] = v
	}
	return summary
}

// CostSummary provides a summary of estimated costs
type CostSummary struct {
	TotalCost  float64
	TotalChars int64
	DailyCosts map[string]float64
	KindCosts  map[string]float64
}

// EstimateCost estimates the provider cost of one summarization call from its
// character counts.
func EstimateCost(inputChars, outputChars int) float64 {
	inputTokens := float64(inputChars) / charsPerToken
	outputTokens := float64(outputChars) / charsPerToken
	return inputTokens/1000.0*costPer1KInputTok + outputTokens/1000.0*costPer1KOutputTok
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Summaries=%d (failed %d), AvgTime=%v, Archived=%d files/%d bytes, Evicted=%d files, Cost=$%.4f",
			metrics.SummarizeRuns, metrics.SummarizeFailures, metrics.AverageSummarizeTime,
			metrics.FilesArchived, metrics.BytesArchived, metrics.FilesEvicted, costs.TotalCost)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Chars=%d", costs.TotalCost, costs.TotalChars)
		for kind, cost := range costs.KindCosts {
			t.logger.Printf("  Kind %s: $%.4f", kind, cost)
		}
		for day, cost := range costs.DailyCosts {
			t.logger.Printf("  Day %s: $%.4f", day, cost)
		}
	}
}

// Shutdown logs the final lifecycle report.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Summarize Runs: %d (%d failed)", metrics.SummarizeRuns, metrics.SummarizeFailures)
	t.logger.Printf("  Average Summarize Time: %v", metrics.AverageSummarizeTime)
	t.logger.Printf("  Files Archived: %d (%d bytes)", metrics.FilesArchived, metrics.BytesArchived)
	t.logger.Printf("  Files Evicted: %d (%d bytes)", metrics.FilesEvicted, metrics.BytesEvicted)
	t.logger.Printf("  Estimated Cost: $%.4f over %d chars", costs.TotalCost, costs.TotalChars)
}

// GetPerformanceReport returns a detailed lifecycle report.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	report := fmt.Sprintf(`
=== LIFECYCLE REPORT ===
Summarization:
  Runs: %d
  Failures: %d
  Average Time: %v

Archive:
  Passes: %d
  Files Moved: %d
  Bytes Moved: %d

Eviction:
  Sweeps: %d
  Files Evicted: %d
  Bytes Freed: %d

Estimated Cost: $%.4f (%d chars)
`, metrics.SummarizeRuns, metrics.SummarizeFailures, metrics.AverageSummarizeTime,
		metrics.ArchiveRuns, metrics.FilesArchived, metrics.BytesArchived,
		metrics.EvictionSweeps, metrics.FilesEvicted, metrics.BytesEvicted,
		costs.TotalCost, costs.TotalChars)

	for kind, count := range metrics.SummariesByKind {
		report += fmt.Sprintf("  %s summaries: %d ($%.4f)\n", kind, count, costs.KindCosts[kind])
	}
	return report
}
