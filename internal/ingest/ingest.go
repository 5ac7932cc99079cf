// Package ingest is the write gateway for observation records. Submit
// validates, persists with idempotent-by-id semantics, then hands the record
// to the extraction pipeline asynchronously. Persistence is synchronous, so a
// successful Submit is immediately visible to retrieval.
package ingest

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/store"
)

// Draft is an observation as submitted by a sensing producer. ID is optional;
// producers that retry should supply their own id to get exactly-one row.
type Draft struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	Timestamp      time.Time              `json:"ts"`
	Text           string                 `json:"text"`
	SourceMetadata map[string]interface{} `json:"source_metadata"`
}

// Validate rejects malformed drafts before anything is persisted.
func (d Draft) Validate() error {
	if !store.ValidKind(d.Kind) {
		return faults.Validation("kind", "must be one of speech_user, speech_ambient, vision")
	}
	if d.Timestamp.IsZero() {
		return faults.Validation("ts", "timestamp is required")
	}
	if strings.TrimSpace(d.Text) == "" {
		return faults.Validation("text", "text is required")
	}
	return nil
}

// Store is the persistence surface the gateway writes through.
type Store interface {
	InsertObservation(ctx context.Context, rec store.ObservationRecord) (bool, error)
}

// Dispatcher hands a freshly persisted record to the extraction pipeline.
// Dispatch must not block on downstream processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec store.ObservationRecord) error
}

// Service is the ingest gateway.
type Service struct {
	store      Store
	dispatcher Dispatcher
	logger     *log.Logger
}

// New builds a Service. A nil dispatcher persists without extraction, which
// is only useful in tests.
func New(st Store, dispatcher Dispatcher) *Service {
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		logger:     log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Submit validates and persists the draft, then dispatches extraction. It
// returns the observation id. Resubmitting an existing id is a no-op that
// returns the same id. Dispatch failures are logged, never surfaced; store
// refusals (including capacity) are always surfaced.
func (s *Service) Submit(ctx context.Context, draft Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}

	rec := store.ObservationRecord{
		ID:             draft.ID,
		Timestamp:      draft.Timestamp,
		Kind:           draft.Kind,
		Text:           draft.Text,
		SourceMetadata: draft.SourceMetadata,
	}

	inserted, err := s.store.InsertObservation(ctx, rec)
	if err != nil {
		return "", err
	}
	if !inserted {
		s.logger.Printf("observation %s already ingested, skipping dispatch", rec.ID)
		return rec.ID, nil
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, rec); err != nil {
			s.logger.Printf("warn: extraction dispatch for observation %s failed: %v", rec.ID, err)
		}
	}
	return rec.ID, nil
}
