package telemetry

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/config"
)

func newTestTelemetry(cfg config.TelemetryConfig) *Telemetry {
	tl := NewTelemetry(cfg)
	tl.logger = log.New(io.Discard, "", 0)
	return tl
}

func TestRecordSummarizeEventAggregates(t *testing.T) {
	tl := newTestTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
	ctx := context.Background()

	tl.RecordSummarizeEvent(ctx, SummarizeEvent{
		Day: "2025-06-01", Kind: "speech", Duration: 100 * time.Millisecond,
		Success: true, InputChars: 4000, OutputChars: 400,
	})
	tl.RecordSummarizeEvent(ctx, SummarizeEvent{
		Day: "2025-06-01", Kind: "speech", Duration: 200 * time.Millisecond,
		Success: true, InputChars: 2000, OutputChars: 300,
	})
	tl.RecordSummarizeEvent(ctx, SummarizeEvent{
		Day: "2025-06-01", Kind: "vision", Duration: 300 * time.Millisecond,
		Success: false, Error: "rate limited", InputChars: 1000,
	})

	m := tl.GetMetrics()
	if m.SummarizeRuns != 3 || m.SummarizeFailures != 1 {
		t.Fatalf("runs=%d failures=%d, want 3/1", m.SummarizeRuns, m.SummarizeFailures)
	}
	if m.SummariesByKind["speech"] != 2 {
		t.Fatalf("speech summaries = %d, want 2", m.SummariesByKind["speech"])
	}
	if m.SummariesByKind["vision"] != 0 {
		t.Fatalf("failed vision call counted as a summary: %d", m.SummariesByKind["vision"])
	}
	if m.AverageSummarizeTime != 200*time.Millisecond {
		t.Fatalf("average time = %v, want 200ms", m.AverageSummarizeTime)
	}

	costs := tl.GetCostSummary()
	if costs.TotalCost <= 0 {
		t.Fatalf("total cost = %f, want estimated from chars", costs.TotalCost)
	}
	if costs.TotalChars != 4400+2300+1000 {
		t.Fatalf("total chars = %d", costs.TotalChars)
	}
	if costs.DailyCosts["2025-06-01"] != costs.TotalCost {
		t.Fatalf("daily cost = %f, total = %f", costs.DailyCosts["2025-06-01"], costs.TotalCost)
	}
	if costs.KindCosts["speech"] <= 0 || costs.KindCosts["vision"] <= 0 {
		t.Fatalf("kind costs = %+v", costs.KindCosts)
	}
}

func TestRecordArchiveAndEvictionEvents(t *testing.T) {
	tl := newTestTelemetry(config.TelemetryConfig{Enabled: true})
	ctx := context.Background()

	tl.RecordArchiveEvent(ctx, ArchiveEvent{Day: "2025-06-01", Success: true, FilesMoved: 3, BytesMoved: 4096})
	tl.RecordArchiveEvent(ctx, ArchiveEvent{Day: "2025-06-02", Success: true, FilesMoved: 1, BytesMoved: 1024})
	tl.RecordEvictionEvent(ctx, EvictionEvent{FilesEvicted: 2, BytesFreed: 2048, UtilizationBefore: 0.82, UtilizationAfter: 0.55})

	m := tl.GetMetrics()
	if m.ArchiveRuns != 2 || m.FilesArchived != 4 || m.BytesArchived != 5120 {
		t.Fatalf("archive metrics = %+v", m)
	}
	if m.EvictionSweeps != 1 || m.FilesEvicted != 2 || m.BytesEvicted != 2048 {
		t.Fatalf("eviction metrics = %+v", m)
	}
}

func TestDisabledTelemetryRecordsNothing(t *testing.T) {
	tl := newTestTelemetry(config.TelemetryConfig{Enabled: false})
	ctx := context.Background()

	tl.RecordSummarizeEvent(ctx, SummarizeEvent{Day: "2025-06-01", Kind: "speech", Success: true})
	tl.RecordArchiveEvent(ctx, ArchiveEvent{FilesMoved: 3})
	tl.RecordEvictionEvent(ctx, EvictionEvent{FilesEvicted: 2})

	m := tl.GetMetrics()
	if m.SummarizeRuns != 0 || m.ArchiveRuns != 0 || m.EvictionSweeps != 0 {
		t.Fatalf("disabled telemetry recorded: %+v", m)
	}
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tl *Telemetry
	tl.RecordSummarizeEvent(context.Background(), SummarizeEvent{})
	tl.RecordArchiveEvent(context.Background(), ArchiveEvent{})
	tl.RecordEvictionEvent(context.Background(), EvictionEvent{})
	tl.Shutdown()
}

func TestEstimateCost(t *testing.T) {
	// 4000 chars in ~ 1000 tokens, 400 chars out ~ 100 tokens.
	got := EstimateCost(4000, 400)
	want := 1.0*costPer1KInputTok + 0.1*costPer1KOutputTok
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("EstimateCost = %f, want %f", got, want)
	}
	if EstimateCost(0, 0) != 0 {
		t.Fatal("zero chars must cost nothing")
	}
}

func TestGetMetricsReturnsCopy(t *testing.T) {
	tl := newTestTelemetry(config.TelemetryConfig{Enabled: true})
	tl.RecordSummarizeEvent(context.Background(), SummarizeEvent{Day: "2025-06-01", Kind: "speech", Success: true})

	m := tl.GetMetrics()
	m.SummariesByKind["speech"] = 99

	if again := tl.GetMetrics(); again.SummariesByKind["speech"] != 1 {
		t.Fatalf("snapshot mutation leaked into telemetry: %+v", again.SummariesByKind)
	}
}
