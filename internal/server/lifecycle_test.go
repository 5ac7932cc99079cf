package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/store"
)

type runnerStub struct {
	err     error
	running bool
	lastRun time.Time
	gotDay  time.Time
	calls   int
}

func (s *runnerStub) Trigger(ctx context.Context, day time.Time) error {
	s.calls++
	s.gotDay = day
	return s.err
}

func (s *runnerStub) Running() bool { return s.running }

func (s *runnerStub) LastRun() time.Time { return s.lastRun }

type lifecycleStoreStub struct {
	stats       store.HealthStats
	jobs        []store.LifecycleJobRecord
	gotStatuses []string
}

func (s *lifecycleStoreStub) Stats(ctx context.Context) (store.HealthStats, error) {
	return s.stats, nil
}

func (s *lifecycleStoreStub) ListLifecycleJobsByStatus(ctx context.Context, statuses ...string) ([]store.LifecycleJobRecord, error) {
	s.gotStatuses = statuses
	return s.jobs, nil
}

type spoolInfoStub struct {
	total int64
	util  float64
}

func (s *spoolInfoStub) TotalBytes() (int64, error) { return s.total, nil }

func (s *spoolInfoStub) Utilization(capacity int64) (float64, error) { return s.util, nil }

func TestArchiveRunUsesGivenDay(t *testing.T) {
	runner := &runnerStub{}
	h := &LifecycleHandler{Runner: runner}

	c, rec := newJSONContext(t, http.MethodPost, "/api/lifecycle/archive/run", `{"day":"2026-02-01"}`)
	if err := h.run(c); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runner.calls != 1 || store.FormatDay(runner.gotDay) != "2026-02-01" {
		t.Fatalf("unexpected trigger: calls=%d day=%s", runner.calls, runner.gotDay)
	}
	var resp LifecycleRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Day != "2026-02-01" || resp.Status != "completed" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestArchiveRunDefaultsToYesterday(t *testing.T) {
	runner := &runnerStub{}
	h := &LifecycleHandler{Runner: runner}

	c, _ := newJSONContext(t, http.MethodPost, "/api/lifecycle/archive/run", "")
	if err := h.run(c); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := store.DayOf(time.Now().AddDate(0, 0, -1))
	if !runner.gotDay.Equal(want) {
		t.Fatalf("expected %s, got %s", want, runner.gotDay)
	}
}

func TestArchiveRunRejectsBadDay(t *testing.T) {
	h := &LifecycleHandler{Runner: &runnerStub{}}
	c, _ := newJSONContext(t, http.MethodPost, "/api/lifecycle/archive/run", `{"day":"02/01/2026"}`)
	err := h.run(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestArchiveRunConflictWhenAlreadyRunning(t *testing.T) {
	runner := &runnerStub{err: faults.Consistency("lifecycle-run", errors.New("archival run already in progress"))}
	h := &LifecycleHandler{Runner: runner}
	c, _ := newJSONContext(t, http.MethodPost, "/api/lifecycle/archive/run", `{"day":"2026-02-01"}`)
	err := h.run(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestStatusReportsEngineView(t *testing.T) {
	last := time.Date(2026, 2, 2, 3, 0, 0, 0, time.UTC)
	st := &lifecycleStoreStub{
		stats: store.HealthStats{Observations: 120, Facts: 8, Summaries: 4, PendingJobs: 1},
		jobs: []store.LifecycleJobRecord{
			{JobType: store.JobTypeSummarize, Day: time.Date(2026, 2, 1, 0, 0, 0, 0, time.Local), Kind: store.SummaryKindSpeech, Status: store.JobStatusFailed, Error: "rate limited", Attempts: 2},
		},
	}
	h := &LifecycleHandler{
		Runner:        &runnerStub{running: true, lastRun: last},
		Store:         st,
		Spool:         &spoolInfoStub{total: 700, util: 0.7},
		CapacityBytes: 1000,
	}

	c, rec := newJSONContext(t, http.MethodGet, "/api/lifecycle/status", "")
	if err := h.status(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp LifecycleStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !resp.Running {
		t.Fatal("expected running")
	}
	if resp.LastRunAt == nil || !resp.LastRunAt.Equal(last) {
		t.Fatalf("unexpected last run: %v", resp.LastRunAt)
	}
	if resp.SpoolBytes != 700 || resp.SpoolUtilization != 0.7 {
		t.Fatalf("unexpected spool view: %+v", resp)
	}
	if resp.Store.Observations != 120 {
		t.Fatalf("unexpected store stats: %+v", resp.Store)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].Status != store.JobStatusFailed || resp.Jobs[0].Error != "rate limited" {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}
	if len(st.gotStatuses) != 3 {
		t.Fatalf("expected pending/running/failed filter, got %v", st.gotStatuses)
	}
}

func TestStatusOmitsLastRunWhenNeverRan(t *testing.T) {
	h := &LifecycleHandler{
		Runner: &runnerStub{},
		Store:  &lifecycleStoreStub{},
		Spool:  &spoolInfoStub{},
	}
	c, rec := newJSONContext(t, http.MethodGet, "/api/lifecycle/status", "")
	if err := h.status(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp LifecycleStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.LastRunAt != nil {
		t.Fatalf("expected no last run, got %v", resp.LastRunAt)
	}
}
