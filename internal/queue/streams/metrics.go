package streams

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
	droppedEntries    otelmetric.Int64Counter
	archivedDayBytes  otelmetric.Int64Counter
	archivedDayFiles  otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("keepsake/queue/streams")
	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
		desc string
	}{
		{&publishedEvents, "stream_events_published_total", "Envelopes appended to a stream"},
		{&droppedEntries, "stream_entries_dropped_total", "Stream entries acked and dropped without processing"},
		{&archivedDayBytes, "archived_bytes_total", "Bytes reported moved by day-archived events"},
		{&archivedDayFiles, "archived_files_total", "Files reported moved by day-archived events"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, otelmetric.WithDescription(c.desc))
		if err != nil {
			log.Printf("queue streams metrics init: %s: %v", c.name, err)
			continue
		}
		*c.dst = inst
	}
}

// recordPublished feeds the publish counters. Day-archived events additionally
// surface their moved bytes/files so dashboards track archive volume without
// consuming the stream.
func recordPublished(ctx context.Context, eventType string, payload []byte) {
	streamMetricsOnce.Do(initStreamMetrics)
	switch eventType {
	case EventObservationIngested:
		recordIngestPublished(ctx, payload)
	case EventDayArchived:
		recordDayArchived(ctx, payload)
	}
}

func recordIngestPublished(ctx context.Context, payload []byte) {
	if publishedEvents == nil {
		return
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return
	}
	kind, _ := doc["kind"].(string)
	publishedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("event_type", EventObservationIngested),
		attribute.String("kind", strings.TrimSpace(kind)),
	))
}

func recordDayArchived(ctx context.Context, payload []byte) {
	if publishedEvents != nil {
		publishedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
			attribute.String("event_type", EventDayArchived),
		))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return
	}
	if v, ok := doc["bytes_moved"].(float64); ok && archivedDayBytes != nil && v >= 0 {
		archivedDayBytes.Add(contextOrBackground(ctx), int64(v))
	}
	if v, ok := doc["files_moved"].(float64); ok && archivedDayFiles != nil && v >= 0 {
		archivedDayFiles.Add(contextOrBackground(ctx), int64(v))
	}
}

// recordDropped counts entries a consumer acked and threw away.
func recordDropped(ctx context.Context, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedEntries == nil {
		return
	}
	droppedEntries.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
