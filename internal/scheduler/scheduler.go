// Package scheduler runs the daily lifecycle pass: summarize the prior day,
// migrate aged raw files to the archive, prune archived observation rows.
// A single pass may run at a time; ticks and manual triggers arriving while
// one is in flight are skipped.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/spool"
	"github.com/keepsakehq/keepsake/internal/store"
	"github.com/keepsakehq/keepsake/internal/telemetry"
	"github.com/keepsakehq/keepsake/provider"
)

const (
	tickInterval = time.Minute
	lockTTL      = time.Hour
)

var (
	metricsOnce     sync.Once
	archivedCounter otelmetric.Int64Counter
	metricsInitErr  error
)

func initSchedulerMetrics() {
	meter := otel.Meter("scheduler")
	var err error
	archivedCounter, err = meter.Int64Counter("files_archived_total")
	if err != nil {
		metricsInitErr = err
	}
}

// StoreAPI captures the store methods the scheduler needs.
type StoreAPI interface {
	ListObservationsForDay(ctx context.Context, day time.Time, kinds ...string) ([]store.ObservationRecord, error)
	MarkObservationsArchived(ctx context.Context, ids []string) error
	PruneArchivedObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertSummary(ctx context.Context, sum store.SummaryRecord) error
	GetManifest(ctx context.Context, fileName string) (store.ManifestRecord, bool, error)
	UpsertManifest(ctx context.Context, m store.ManifestRecord) error
	ConfirmManifest(ctx context.Context, fileName string) error
	Claim(ctx context.Context, scope, key string) (bool, error)
	ReleaseClaim(ctx context.Context, scope, key string) error
	UpsertLifecycleJob(ctx context.Context, job store.LifecycleJobRecord) error
	GetLifecycleJob(ctx context.Context, jobType string, day time.Time, kind string) (store.LifecycleJobRecord, bool, error)
	ListLifecycleJobsByStatus(ctx context.Context, statuses ...string) ([]store.LifecycleJobRecord, error)
	SummaryPending(ctx context.Context, day time.Time, kind string) (bool, error)
}

// publisher is the optional stream surface for day-archived events.
type publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Deps bundles the scheduler's collaborators. Redis and Publisher are
// optional: without Redis the cross-node lock is skipped, without Publisher
// no lifecycle event is emitted. A nil Summarizer leaves summarize jobs
// pending until one is configured.
type Deps struct {
	Store      StoreAPI
	Spool      *spool.Spool
	Archive    archive.Store
	Summarizer provider.Summarizer
	Redis      *redis.Client
	Publisher  *streams.Publisher
	Stream     string
	Telemetry  *telemetry.Telemetry
}

// Scheduler is the archival state machine. running flips Idle to Running for
// the duration of one pass.
type Scheduler struct {
	logger     *log.Logger
	store      StoreAPI
	spool      *spool.Spool
	archive    archive.Store
	summarizer provider.Summarizer
	rdb        *redis.Client
	publisher  publisher
	stream     string
	telemetry  *telemetry.Telemetry

	cronSpec     string
	rawWindow    time.Duration
	obsRetention time.Duration
	maxCalls     int
	maxChars     int

	running atomic.Bool
	mu      sync.Mutex
	lastRun time.Time
}

// New builds a Scheduler from deps and the lifecycle policy.
func New(deps Deps, retention config.RetentionConfig, llm config.LLMConfig) *Scheduler {
	retention = retention.Normalize()
	llm = llm.Normalize()
	s := &Scheduler{
		logger:       log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		store:        deps.Store,
		spool:        deps.Spool,
		archive:      deps.Archive,
		summarizer:   deps.Summarizer,
		rdb:          deps.Redis,
		stream:       deps.Stream,
		telemetry:    deps.Telemetry,
		cronSpec:     retention.ArchiveCron,
		rawWindow:    retention.RawWindow,
		obsRetention: retention.ObservationRetention,
		maxCalls:     llm.MaxCalls,
		maxChars:     llm.MaxChars,
	}
	if deps.Publisher != nil {
		s.publisher = deps.Publisher
	}
	return s
}

// Running reports whether a lifecycle pass is currently in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastRun reports when the most recent pass started, zero if none ran yet.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Start blocks, ticking every minute until ctx is cancelled. Each tick checks
// the cron schedule against the last-run watermark and, when due, runs the
// pass for yesterday.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Printf("archival scheduler starting; cron %q, raw window %s", s.cronSpec, s.rawWindow)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("archival scheduler stopping: %v", ctx.Err())
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if !isDue(s.cronSpec, last, now) {
		return
	}
	day := store.DayOf(now.AddDate(0, 0, -1))
	if err := s.Trigger(ctx, day); err != nil && !faults.IsConsistency(err) {
		s.logger.Printf("warn: scheduled run for %s: %v", store.FormatDay(day), err)
	}
}

// Trigger runs one lifecycle pass for day. It returns a ConsistencyError when
// a pass is already running, and skips silently when another node holds the
// day's lock.
func (s *Scheduler) Trigger(ctx context.Context, day time.Time) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Printf("archival run already in progress, skipping trigger for %s", store.FormatDay(day))
		return faults.Consistency("lifecycle-run", errors.New("archival run already in progress"))
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if s.rdb != nil {
		lockKey := "arch:lock:" + store.FormatDay(day)
		ok, err := s.rdb.SetNX(ctx, lockKey, "1", lockTTL).Result()
		if err != nil {
			s.logger.Printf("warn: acquire %s failed, proceeding unlocked: %v", lockKey, err)
		} else if !ok {
			s.logger.Printf("another node holds %s, skipping", lockKey)
			return nil
		} else {
			defer s.rdb.Del(context.Background(), lockKey)
		}
	}

	return s.RunOnce(ctx, day)
}

// RunOnce executes the pass for day: summarize speech and vision, retry
// earlier pending summaries, archive aged spool files, prune archived rows.
// Steps are isolated; a failing step is recorded on its lifecycle job row and
// the rest still run. Rerunning a day overwrites its summaries and skips
// files the manifest already confirms.
func (s *Scheduler) RunOnce(ctx context.Context, day time.Time) error {
	dayTag := store.FormatDay(day)
	s.logger.Printf("lifecycle run starting for %s", dayTag)
	started := time.Now()

	budget := &runBudget{calls: s.maxCalls, chars: s.maxChars}
	summaries := make(map[string]interface{})
	var lastErr error

	for _, kind := range []string{store.SummaryKindSpeech, store.SummaryKindVision} {
		if err := s.summarizeDay(ctx, day, kind, budget); err != nil {
			s.logger.Printf("warn: summarize %s %s: %v", dayTag, kind, err)
			summaries[kind] = "failed"
			lastErr = err
			continue
		}
		summaries[kind] = "ok"
	}

	s.retryPendingSummaries(ctx, day, budget)

	moved, bytesMoved, err := s.archiveAgedFiles(ctx, day, time.Now())
	if err != nil {
		lastErr = err
	}

	pruned, err := s.store.PruneArchivedObservationsBefore(ctx, time.Now().Add(-s.obsRetention))
	if err != nil {
		s.logger.Printf("warn: prune archived observations: %v", err)
		lastErr = err
	}

	s.publishDayArchived(ctx, day, moved, bytesMoved, pruned, summaries)

	s.logger.Printf("lifecycle run for %s finished in %s: files_moved=%d bytes_moved=%d pruned=%d",
		dayTag, time.Since(started).Round(time.Millisecond), moved, bytesMoved, pruned)
	return lastErr
}

// summarizeDay condenses one (day, kind) into a single summary row, mirrors
// it to the archive, and marks the source records archived. On any failure
// the job row is left failed and no partial summary is persisted.
func (s *Scheduler) summarizeDay(ctx context.Context, day time.Time, kind string, budget *runBudget) error {
	recs, err := s.store.ListObservationsForDay(ctx, day, sourceKindsFor(kind)...)
	if err != nil {
		return fmt.Errorf("list observations: %w", err)
	}

	var unarchived []string
	for _, rec := range recs {
		if !rec.Archived {
			unarchived = append(unarchived, rec.ID)
		}
	}

	job, jobExists, err := s.store.GetLifecycleJob(ctx, store.JobTypeSummarize, day, kind)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if len(unarchived) == 0 && jobExists && job.Status == store.JobStatusSuccess {
		return nil
	}
	if len(recs) == 0 {
		// Nothing observed that day; close the job so it is not retried.
		return s.markJob(ctx, store.JobTypeSummarize, day, kind, store.JobStatusSuccess, "")
	}

	if err := s.markJob(ctx, store.JobTypeSummarize, day, kind, store.JobStatusRunning, ""); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	fail := func(cause error) error {
		if err := s.markJob(ctx, store.JobTypeSummarize, day, kind, store.JobStatusFailed, cause.Error()); err != nil {
			s.logger.Printf("warn: mark summarize job failed for %s %s: %v", store.FormatDay(day), kind, err)
		}
		return cause
	}

	if s.summarizer == nil {
		return fail(errors.New("summarizer not configured"))
	}

	texts := make([]string, 0, len(recs))
	chars := 0
	for _, rec := range recs {
		texts = append(texts, rec.Text)
		chars += len(rec.Text)
	}
	if err := budget.spend(chars); err != nil {
		return fail(err)
	}

	callStart := time.Now()
	text, err := s.summarizer.Summarize(ctx, texts, day, kind)
	if err != nil {
		if !faults.IsTransientRemote(err) {
			err = faults.TransientRemote("summarize", err)
		}
		s.telemetry.RecordSummarizeEvent(ctx, telemetry.SummarizeEvent{
			Day: store.FormatDay(day), Kind: kind, Duration: time.Since(callStart),
			Error: err.Error(), InputChars: chars,
		})
		return fail(err)
	}
	s.telemetry.RecordSummarizeEvent(ctx, telemetry.SummarizeEvent{
		Day: store.FormatDay(day), Kind: kind, Duration: time.Since(callStart),
		Success: true, InputChars: chars, OutputChars: len(text),
	})

	sum := store.SummaryRecord{Day: day, Kind: kind, Text: text, SourceCount: len(recs)}
	if err := s.store.UpsertSummary(ctx, sum); err != nil {
		return fail(fmt.Errorf("persist summary: %w", err))
	}
	if err := s.archive.PutSummary(ctx, archive.Summary{Day: day, Kind: kind, Text: text}); err != nil {
		// Tier-1 already holds the summary; the archive mirror is retried on
		// the next run via the failed job.
		return fail(fmt.Errorf("mirror summary to archive: %w", err))
	}
	if err := s.store.MarkObservationsArchived(ctx, unarchived); err != nil {
		return fail(fmt.Errorf("mark observations archived: %w", err))
	}
	return s.markJob(ctx, store.JobTypeSummarize, day, kind, store.JobStatusSuccess, "")
}

// retryPendingSummaries picks up summarize jobs that failed on earlier days,
// within what is left of this run's budget.
func (s *Scheduler) retryPendingSummaries(ctx context.Context, current time.Time, budget *runBudget) {
	jobs, err := s.store.ListLifecycleJobsByStatus(ctx, store.JobStatusFailed, store.JobStatusPending)
	if err != nil {
		s.logger.Printf("warn: list pending summarize jobs: %v", err)
		return
	}
	for _, job := range jobs {
		if job.JobType != store.JobTypeSummarize {
			continue
		}
		if store.FormatDay(job.Day) == store.FormatDay(current) {
			continue
		}
		if err := s.summarizeDay(ctx, job.Day, job.Kind, budget); err != nil {
			s.logger.Printf("warn: retry summarize %s %s: %v", store.FormatDay(job.Day), job.Kind, err)
		}
	}
}

// archiveAgedFiles moves every spool file older than the retention window to
// the archive's raw partition. A file is deleted locally only after the copy
// is confirmed durable and the manifest row records it. Confirmed leftovers
// from an interrupted run are deleted without re-copying.
func (s *Scheduler) archiveAgedFiles(ctx context.Context, day time.Time, now time.Time) (int, int64, error) {
	started := time.Now()
	if err := s.markJob(ctx, store.JobTypeArchive, day, "", store.JobStatusRunning, ""); err != nil {
		return 0, 0, fmt.Errorf("mark archive job running: %w", err)
	}

	files, err := s.spool.ListOlderThan(now, s.rawWindow)
	if err != nil {
		if jobErr := s.markJob(ctx, store.JobTypeArchive, day, "", store.JobStatusFailed, err.Error()); jobErr != nil {
			s.logger.Printf("warn: mark archive job failed: %v", jobErr)
		}
		return 0, 0, fmt.Errorf("list spool: %w", err)
	}

	var (
		moved      int
		bytesMoved int64
		lastErr    error
	)
	warnedPending := make(map[string]bool)

	for _, f := range files {
		fileDay := f.Day()
		dayTag := store.FormatDay(fileDay)

		m, found, err := s.store.GetManifest(ctx, f.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if found && m.Confirmed {
			if err := s.spool.Remove(f.Name); err != nil {
				s.logger.Printf("warn: remove already-archived %s: %v", f.Name, err)
				lastErr = err
			}
			continue
		}

		claimed, err := s.store.Claim(ctx, store.ClaimScopeArchiveFile, f.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if !claimed {
			s.logger.Printf("file %s claimed elsewhere, skipping", f.Name)
			continue
		}

		if kind := summaryKindOf(f.Name); kind != "" && !warnedPending[dayTag+kind] {
			warnedPending[dayTag+kind] = true
			if pending, err := s.store.SummaryPending(ctx, fileDay, kind); err == nil && pending {
				s.logger.Printf("moving %s files for %s with summary still pending; summarization retries from the hot store", kind, dayTag)
			}
		}

		if err := s.moveFile(ctx, f, fileDay, archive.PartitionRaw, false); err != nil {
			s.logger.Printf("warn: archive %s: %v", f.Name, err)
			if relErr := s.store.ReleaseClaim(ctx, store.ClaimScopeArchiveFile, f.Name); relErr != nil {
				s.logger.Printf("warn: release claim for %s: %v", f.Name, relErr)
			}
			lastErr = err
			continue
		}
		if err := s.store.ReleaseClaim(ctx, store.ClaimScopeArchiveFile, f.Name); err != nil {
			s.logger.Printf("warn: release claim for %s: %v", f.Name, err)
		}
		moved++
		bytesMoved += f.Size
		metricsOnce.Do(initSchedulerMetrics)
		if archivedCounter != nil {
			archivedCounter.Add(ctx, 1)
		}
	}

	status, msg := store.JobStatusSuccess, ""
	if lastErr != nil {
		status, msg = store.JobStatusFailed, lastErr.Error()
	}
	if err := s.markJob(ctx, store.JobTypeArchive, day, "", status, msg); err != nil {
		s.logger.Printf("warn: mark archive job %s: %v", status, err)
	}
	s.telemetry.RecordArchiveEvent(ctx, telemetry.ArchiveEvent{
		Day:        store.FormatDay(day),
		Duration:   time.Since(started),
		Success:    lastErr == nil,
		FilesMoved: moved,
		BytesMoved: bytesMoved,
	})
	return moved, bytesMoved, lastErr
}

// moveFile copies one spool file into the archive with durability
// confirmation, records the manifest, and only then deletes the local copy.
func (s *Scheduler) moveFile(ctx context.Context, f spool.File, day time.Time, partition archive.RawPartition, emergency bool) error {
	src, err := s.spool.Open(f.Name)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	hasher := sha256.New()
	dest, storedSize, err := s.archive.PutRaw(ctx, partition, day, f.Name, io.TeeReader(src, hasher))
	src.Close()
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := s.archive.Confirm(ctx, dest, storedSize); err != nil {
		return fmt.Errorf("confirm copy: %w", err)
	}

	if err := s.store.UpsertManifest(ctx, store.ManifestRecord{
		FileName:  f.Name,
		Day:       day,
		DestURI:   dest,
		SizeBytes: storedSize,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		Emergency: emergency,
	}); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := s.store.ConfirmManifest(ctx, f.Name); err != nil {
		return fmt.Errorf("confirm manifest: %w", err)
	}

	if err := s.spool.Remove(f.Name); err != nil {
		return fmt.Errorf("remove local: %w", err)
	}
	return nil
}

func (s *Scheduler) publishDayArchived(ctx context.Context, day time.Time, moved int, bytesMoved int64, pruned int64, summaries map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"day":                 store.FormatDay(day),
		"files_moved":         moved,
		"bytes_moved":         bytesMoved,
		"observations_pruned": pruned,
		"summaries":           summaries,
	}
	if _, err := s.publisher.PublishRaw(ctx, s.stream, streams.EventDayArchived, streams.PayloadV1, payload,
		streams.WithMaxLenApprox(1024)); err != nil {
		s.logger.Printf("warn: publish day-archived event: %v", err)
	}
}

func (s *Scheduler) markJob(ctx context.Context, jobType string, day time.Time, kind, status, msg string) error {
	return s.store.UpsertLifecycleJob(ctx, store.LifecycleJobRecord{
		JobType: jobType,
		Day:     day,
		Kind:    kind,
		Status:  status,
		Error:   msg,
	})
}

// sourceKindsFor maps a summary kind to the observation kinds it condenses.
func sourceKindsFor(summaryKind string) []string {
	if summaryKind == store.SummaryKindVision {
		return []string{store.KindVision}
	}
	return []string{store.KindSpeechUser, store.KindSpeechAmbient}
}

// summaryKindOf derives the summary kind from a spool file name prefix, or ""
// when the prefix is not a summarized kind.
func summaryKindOf(fileName string) string {
	prefix, _, ok := strings.Cut(fileName, "_")
	if !ok {
		return ""
	}
	switch prefix {
	case store.SummaryKindSpeech, store.SummaryKindVision:
		return prefix
	}
	return ""
}

// runBudget caps one run's summarization spend so a backlog cannot overrun
// the provider.
type runBudget struct {
	calls int
	chars int
}

func (b *runBudget) spend(chars int) error {
	if b.calls <= 0 {
		return faults.TransientRemote("summarize", errors.New("per-run call budget exhausted"))
	}
	if chars > b.chars {
		return faults.TransientRemote("summarize", errors.New("per-run character budget exhausted"))
	}
	b.calls--
	b.chars -= chars
	return nil
}

// isDue reports whether the schedule should fire at now given the last-run
// watermark. Supports @daily, @hourly and 5-field cron expressions; an
// invalid expression falls back to daily.
func isDue(cronSpec string, last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return now.Sub(last) >= 24*time.Hour
		}
		next := expr.Next(last)
		return !next.After(now)
	}
}
