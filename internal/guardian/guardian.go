// Package guardian protects the spool volume. On a short cycle it checks
// utilization against the emergency threshold and, under pressure, migrates
// files older than the emergency age to the archive's emergency partition.
// Files the scheduler has claimed are left alone; contested files go to
// whoever claims first.
package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/notify"
	"github.com/keepsakehq/keepsake/internal/spool"
	"github.com/keepsakehq/keepsake/internal/store"
	"github.com/keepsakehq/keepsake/internal/telemetry"
)

// StoreAPI captures the store methods the guardian needs.
type StoreAPI interface {
	GetManifest(ctx context.Context, fileName string) (store.ManifestRecord, bool, error)
	UpsertManifest(ctx context.Context, m store.ManifestRecord) error
	ConfirmManifest(ctx context.Context, fileName string) error
	Claim(ctx context.Context, scope, key string) (bool, error)
	ReleaseClaim(ctx context.Context, scope, key string) error
	UpsertLifecycleJob(ctx context.Context, job store.LifecycleJobRecord) error
}

var (
	metricsOnce    sync.Once
	evictCounter   otelmetric.Int64Counter
	evictedBytes   otelmetric.Int64Counter
	metricsInitErr error
)

func initGuardianMetrics() {
	meter := otel.Meter("guardian")
	var err error
	evictCounter, err = meter.Int64Counter("evictions_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	evictedBytes, err = meter.Int64Counter("evicted_bytes_total")
	if err != nil {
		metricsInitErr = err
	}
}

// Deps bundles the guardian's collaborators. A nil Notifier falls back to the
// process log.
type Deps struct {
	Store     StoreAPI
	Spool     *spool.Spool
	Archive   archive.Store
	Notifier  notify.Notifier
	Telemetry *telemetry.Telemetry
}

// Guardian is the emergency eviction daemon.
type Guardian struct {
	logger    *log.Logger
	store     StoreAPI
	spool     *spool.Spool
	archive   archive.Store
	notifier  notify.Notifier
	telemetry *telemetry.Telemetry

	interval      time.Duration
	threshold     float64
	emergencyAge  time.Duration
	capacityBytes int64
}

// New builds a Guardian from deps and the retention policy.
func New(deps Deps, spoolCfg config.SpoolConfig, retention config.RetentionConfig) *Guardian {
	retention = retention.Normalize()
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier()
	}
	return &Guardian{
		logger:        log.New(log.Writer(), "[GUARD] ", log.LstdFlags),
		store:         deps.Store,
		spool:         deps.Spool,
		archive:       deps.Archive,
		notifier:      notifier,
		telemetry:     deps.Telemetry,
		interval:      retention.EmergencyInterval,
		threshold:     retention.EmergencyThreshold,
		emergencyAge:  retention.EmergencyAge,
		capacityBytes: spoolCfg.CapacityBytes,
	}
}

// Start blocks, sweeping immediately and then every interval until ctx is
// cancelled.
func (g *Guardian) Start(ctx context.Context) {
	g.logger.Printf("capacity guardian starting; threshold %.2f, interval %s, emergency age %s",
		g.threshold, g.interval, g.emergencyAge)
	g.sweep(ctx, time.Now())
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.logger.Printf("capacity guardian stopping: %v", ctx.Err())
			return
		case now := <-ticker.C:
			g.sweep(ctx, now)
		}
	}
}

// sweep runs one cycle. A cycle over the threshold evicts what it can and
// emits exactly one notification reporting the outcome; quiet cycles do
// nothing.
func (g *Guardian) sweep(ctx context.Context, now time.Time) {
	before, err := g.spool.Utilization(g.capacityBytes)
	if err != nil {
		g.logger.Printf("warn: spool utilization: %v", err)
		return
	}
	if before < g.threshold {
		return
	}
	g.logger.Printf("spool utilization %.2f over threshold %.2f, evicting files older than %s",
		before, g.threshold, g.emergencyAge)
	started := time.Now()

	moved, bytesFreed, sweepErr := g.evictAged(ctx, now)

	after, err := g.spool.Utilization(g.capacityBytes)
	if err != nil {
		g.logger.Printf("warn: spool utilization after sweep: %v", err)
		after = before
	}
	g.telemetry.RecordEvictionEvent(ctx, telemetry.EvictionEvent{
		Duration:          time.Since(started),
		FilesEvicted:      moved,
		BytesFreed:        bytesFreed,
		UtilizationBefore: before,
		UtilizationAfter:  after,
	})

	day := store.DayOf(now)
	status, msg := store.JobStatusSuccess, ""
	if sweepErr != nil {
		status, msg = store.JobStatusFailed, sweepErr.Error()
	}
	if err := g.store.UpsertLifecycleJob(ctx, store.LifecycleJobRecord{
		JobType: store.JobTypeEvict,
		Day:     day,
		Status:  status,
		Error:   msg,
	}); err != nil {
		g.logger.Printf("warn: record evict job: %v", err)
	}

	ev := notify.Event{
		Kind: notify.KindCapacityEviction,
		Message: fmt.Sprintf("spool utilization %.2f over threshold %.2f: evicted %d files, freed %d bytes, now %.2f",
			before, g.threshold, moved, bytesFreed, after),
	}
	if err := g.notifier.Emit(ctx, ev); err != nil {
		g.logger.Printf("warn: emit capacity notification: %v", err)
	}
}

// evictAged moves every file older than the emergency age. Per-file failures
// are logged and the file stays for the next cycle.
func (g *Guardian) evictAged(ctx context.Context, now time.Time) (int, int64, error) {
	files, err := g.spool.ListOlderThan(now, g.emergencyAge)
	if err != nil {
		return 0, 0, fmt.Errorf("list spool: %w", err)
	}

	var (
		moved      int
		bytesFreed int64
		lastErr    error
	)
	for _, f := range files {
		m, found, err := g.store.GetManifest(ctx, f.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if found && m.Confirmed {
			// Durable copy already exists, just reclaim the space.
			if err := g.spool.Remove(f.Name); err != nil {
				g.logger.Printf("warn: remove already-archived %s: %v", f.Name, err)
				lastErr = err
				continue
			}
			bytesFreed += f.Size
			continue
		}

		claimed, err := g.store.Claim(ctx, store.ClaimScopeArchiveFile, f.Name)
		if err != nil {
			lastErr = err
			continue
		}
		if !claimed {
			g.logger.Printf("file %s claimed elsewhere, skipping", f.Name)
			continue
		}

		if err := g.moveFile(ctx, f); err != nil {
			g.logger.Printf("warn: evict %s: %v", f.Name, err)
			lastErr = err
		} else {
			moved++
			bytesFreed += f.Size
			metricsOnce.Do(initGuardianMetrics)
			if evictCounter != nil {
				evictCounter.Add(ctx, 1)
			}
			if evictedBytes != nil {
				evictedBytes.Add(ctx, f.Size)
			}
		}
		if err := g.store.ReleaseClaim(ctx, store.ClaimScopeArchiveFile, f.Name); err != nil {
			g.logger.Printf("warn: release claim for %s: %v", f.Name, err)
		}
	}
	return moved, bytesFreed, lastErr
}

// moveFile copies one file to the emergency partition. The local copy is
// deleted only after the archive confirms the stored size.
func (g *Guardian) moveFile(ctx context.Context, f spool.File) error {
	day := f.Day()
	src, err := g.spool.Open(f.Name)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	hasher := sha256.New()
	dest, storedSize, err := g.archive.PutRaw(ctx, archive.PartitionEmergency, day, f.Name, io.TeeReader(src, hasher))
	src.Close()
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := g.archive.Confirm(ctx, dest, storedSize); err != nil {
		return fmt.Errorf("confirm copy: %w", err)
	}

	if err := g.store.UpsertManifest(ctx, store.ManifestRecord{
		FileName:  f.Name,
		Day:       day,
		DestURI:   dest,
		SizeBytes: storedSize,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		Emergency: true,
	}); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := g.store.ConfirmManifest(ctx, f.Name); err != nil {
		return fmt.Errorf("confirm manifest: %w", err)
	}

	if err := g.spool.Remove(f.Name); err != nil {
		return fmt.Errorf("remove local: %w", err)
	}
	return nil
}
