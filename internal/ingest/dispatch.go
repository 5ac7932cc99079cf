package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/store"
)

// observationStreamMaxLen caps the ingest stream so an offline consumer group
// cannot grow Redis without bound.
const observationStreamMaxLen int64 = 100000

// extractTimeout bounds one direct extraction run.
const extractTimeout = 30 * time.Second

// publisher is the stream surface StreamDispatcher publishes through.
type publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// StreamDispatcher publishes observation.ingested envelopes for the worker
// fleet to consume.
type StreamDispatcher struct {
	publisher publisher
	stream    string
}

// NewStreamDispatcher builds a dispatcher targeting the given stream.
func NewStreamDispatcher(pub *streams.Publisher, stream string) *StreamDispatcher {
	return &StreamDispatcher{publisher: pub, stream: stream}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, rec store.ObservationRecord) error {
	payload := map[string]interface{}{
		"observation_id": rec.ID,
		"kind":           rec.Kind,
		"ts":             rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"text":           rec.Text,
	}
	if rec.SourceMetadata != nil {
		payload["source_metadata"] = rec.SourceMetadata
	}
	_, err := d.publisher.PublishRaw(ctx, d.stream, streams.EventObservationIngested, streams.PayloadV1, payload,
		streams.WithMaxLenApprox(observationStreamMaxLen))
	return err
}

// Extractor is the downstream processing surface for direct dispatch.
type Extractor interface {
	Process(ctx context.Context, rec store.ObservationRecord) (int, error)
}

// DirectDispatcher runs extraction in-process on a bounded goroutine pool.
// Used in tests and single-node deployments where Redis is not part of the
// picture.
type DirectDispatcher struct {
	extractor Extractor
	sem       chan struct{}
	wg        sync.WaitGroup
	logger    *log.Logger
}

// NewDirectDispatcher builds a pool with at most workers concurrent
// extractions.
func NewDirectDispatcher(ex Extractor, workers int) *DirectDispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &DirectDispatcher{
		extractor: ex,
		sem:       make(chan struct{}, workers),
		logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Dispatch queues the record and returns immediately. The extraction run is
// detached from the caller's context so an ended request does not cancel it.
func (d *DirectDispatcher) Dispatch(ctx context.Context, rec store.ObservationRecord) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		defer cancel()
		if _, err := d.extractor.Process(ctx, rec); err != nil {
			d.logger.Printf("warn: extraction for observation %s failed: %v", rec.ID, err)
		}
	}()
	return nil
}

// Wait blocks until every queued extraction has finished. Called on
// shutdown.
func (d *DirectDispatcher) Wait() {
	d.wg.Wait()
}

var (
	_ Dispatcher = (*StreamDispatcher)(nil)
	_ Dispatcher = (*DirectDispatcher)(nil)
)
