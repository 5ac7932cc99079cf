// Package worker consumes observation.ingested events from the ingest stream
// and runs fact extraction. Delivery is at-least-once; a per-event claim plus
// idempotent extraction gives exactly-once effect.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/store"
)

const (
	readBlock = 5 * time.Second
	readCount = 16

	// Messages another consumer left pending this long are reclaimed.
	reclaimMinIdle  = 2 * time.Minute
	reclaimInterval = time.Minute
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	Claim(ctx context.Context, scope, key string) (bool, error)
	ReleaseClaim(ctx context.Context, scope, key string) error
}

// Extractor runs fact extraction for one observation.
type Extractor interface {
	Process(ctx context.Context, rec store.ObservationRecord) (int, error)
}

// consumer is the stream surface the processor reads from. *streams.Consumer
// satisfies it.
type consumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	LagMetrics(ctx context.Context, stream string) (streams.LagMetrics, error)
}

// ObservationIngestedPayload mirrors the JSON payload of observation.ingested.
type ObservationIngestedPayload struct {
	ObservationID  string                 `json:"observation_id"`
	Kind           string                 `json:"kind"`
	Timestamp      time.Time              `json:"ts"`
	Text           string                 `json:"text"`
	SourceMetadata map[string]interface{} `json:"source_metadata"`
}

// Processor drives extraction by consuming the ingest stream.
type Processor struct {
	logger       *log.Logger
	store        StoreAPI
	consumer     consumer
	extractor    Extractor
	stream       string
	eventCounter otelmetric.Int64Counter
	factCounter  otelmetric.Int64Counter
	lagGauge     otelmetric.Int64Gauge
	pendingGauge otelmetric.Int64Gauge
}

// NewProcessor constructs a Processor reading from stream.
func NewProcessor(logger *log.Logger, st StoreAPI, cons *streams.Consumer, ex Extractor, stream string, meter otelmetric.Meter) *Processor {
	proc := &Processor{
		logger:    logger,
		store:     st,
		consumer:  cons,
		extractor: ex,
		stream:    stream,
	}
	if meter != nil {
		var err error
		proc.eventCounter, err = meter.Int64Counter("worker_events_processed")
		if err != nil {
			logger.Printf("warn: create event counter failed: %v", err)
		}
		proc.factCounter, err = meter.Int64Counter("worker_facts_extracted")
		if err != nil {
			logger.Printf("warn: create fact counter failed: %v", err)
		}
		proc.lagGauge, err = meter.Int64Gauge("worker_stream_lag")
		if err != nil {
			logger.Printf("warn: create lag gauge failed: %v", err)
		}
		proc.pendingGauge, err = meter.Int64Gauge("worker_stream_pending")
		if err != nil {
			logger.Printf("warn: create pending gauge failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing ingest events until the context is
// cancelled. It periodically reclaims messages stuck pending on dead
// consumers.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("extraction worker starting; consuming stream %s", p.stream)

	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("extraction worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastReclaim) >= reclaimInterval {
			p.reclaimStuck(ctx)
			p.observeLag(ctx)
			lastReclaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, p.stream, streams.WithBlock(readBlock), streams.WithCount(readCount))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

// handleBatch processes messages one at a time. A message is acked only when
// handling succeeded; failed messages stay pending and come back through
// AutoClaim.
func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.handle(ctx, msg); err != nil {
			p.logger.Printf("error handling message %s: %v", msg.ID, err)
			continue
		}
		if err := p.consumer.Ack(ctx, p.stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) error {
	if msg.Envelope.EventType != streams.EventObservationIngested {
		p.logger.Printf("skip event %s with unexpected type %s", msg.Envelope.EventID, msg.Envelope.EventType)
		return nil
	}

	claimed, err := p.store.Claim(ctx, store.ClaimScopeEvent, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s, already processed", msg.Envelope.EventID)
		return nil
	}

	var payload ObservationIngestedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		// Schema validation upstream makes this unreachable in practice.
		// Release the claim and drop the message rather than poison the group.
		p.releaseClaim(ctx, msg.Envelope.EventID)
		p.logger.Printf("warn: dropping undecodable payload for event %s: %v", msg.Envelope.EventID, err)
		return nil
	}

	rec := store.ObservationRecord{
		ID:             payload.ObservationID,
		Timestamp:      payload.Timestamp,
		Kind:           payload.Kind,
		Text:           payload.Text,
		SourceMetadata: payload.SourceMetadata,
	}
	applied, err := p.extractor.Process(ctx, rec)
	if err != nil {
		p.releaseClaim(ctx, msg.Envelope.EventID)
		return fmt.Errorf("extract observation %s: %w", payload.ObservationID, err)
	}

	if p.eventCounter != nil {
		p.eventCounter.Add(ctx, 1)
	}
	if p.factCounter != nil && applied > 0 {
		p.factCounter.Add(ctx, int64(applied))
	}
	return nil
}

func (p *Processor) releaseClaim(ctx context.Context, eventID string) {
	if err := p.store.ReleaseClaim(ctx, store.ClaimScopeEvent, eventID); err != nil {
		p.logger.Printf("warn: release claim for event %s failed: %v", eventID, err)
	}
}

// observeLag samples group lag on the reclaim heartbeat. A backlog here means
// producers are outrunning extraction and more workers are needed.
func (p *Processor) observeLag(ctx context.Context) {
	lag, err := p.consumer.LagMetrics(ctx, p.stream)
	if err != nil {
		p.logger.Printf("warn: lag sample failed: %v", err)
		return
	}
	if p.lagGauge != nil && lag.Lag >= 0 {
		p.lagGauge.Record(ctx, lag.Lag)
	}
	if p.pendingGauge != nil {
		p.pendingGauge.Record(ctx, lag.Pending)
	}
	if lag.Lag > 0 || lag.Pending > 0 {
		p.logger.Printf("stream %s backlog: lag=%d pending=%d consumers=%d oldest_idle=%s",
			p.stream, lag.Lag, lag.Pending, lag.Consumers, lag.OldestIdle)
	}
}

// reclaimStuck scans the pending entries list for messages idle past
// reclaimMinIdle and processes them here.
func (p *Processor) reclaimStuck(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.stream, reclaimMinIdle, start, readCount)
		if err != nil {
			p.logger.Printf("warn: autoclaim failed: %v", err)
			return
		}
		if len(msgs) > 0 {
			p.logger.Printf("reclaimed %d stuck messages", len(msgs))
			p.handleBatch(ctx, msgs)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}
