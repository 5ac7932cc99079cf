package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/store"
)

type fakeIngestStore struct {
	inserted  []store.ObservationRecord
	duplicate bool
	err       error
}

func (f *fakeIngestStore) InsertObservation(_ context.Context, rec store.ObservationRecord) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.duplicate {
		return false, nil
	}
	f.inserted = append(f.inserted, rec)
	return true, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	recs []store.ObservationRecord
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, rec store.ObservationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func validDraft() Draft {
	return Draft{
		Kind:      store.KindSpeechUser,
		Timestamp: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
		Text:      "my name is Josh",
	}
}

func TestSubmitAssignsIDAndDispatches(t *testing.T) {
	st := &fakeIngestStore{}
	disp := &fakeDispatcher{}
	svc := New(st, disp)

	id, err := svc.Submit(context.Background(), validDraft())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("assigned id %q is not a uuid: %v", id, err)
	}
	if len(st.inserted) != 1 || st.inserted[0].ID != id {
		t.Fatalf("persisted records = %+v, want one with id %s", st.inserted, id)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", disp.count())
	}
}

func TestSubmitKeepsCallerID(t *testing.T) {
	st := &fakeIngestStore{}
	svc := New(st, &fakeDispatcher{})

	draft := validDraft()
	draft.ID = "obs-123"
	id, err := svc.Submit(context.Background(), draft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "obs-123" {
		t.Fatalf("id = %q, want caller-supplied obs-123", id)
	}
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Draft)
	}{
		{"unknown kind", func(d *Draft) { d.Kind = "telepathy" }},
		{"missing kind", func(d *Draft) { d.Kind = "" }},
		{"zero timestamp", func(d *Draft) { d.Timestamp = time.Time{} }},
		{"empty text", func(d *Draft) { d.Text = "" }},
		{"whitespace text", func(d *Draft) { d.Text = "   " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeIngestStore{}
			svc := New(st, &fakeDispatcher{})
			draft := validDraft()
			tc.mutate(&draft)

			_, err := svc.Submit(context.Background(), draft)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !faults.IsValidation(err) {
				t.Fatalf("error not a validation error: %v", err)
			}
			if len(st.inserted) != 0 {
				t.Fatalf("invalid draft was persisted: %+v", st.inserted)
			}
		})
	}
}

func TestSubmitDuplicateIsNoOp(t *testing.T) {
	st := &fakeIngestStore{duplicate: true}
	disp := &fakeDispatcher{}
	svc := New(st, disp)

	draft := validDraft()
	draft.ID = "obs-dup"
	id, err := svc.Submit(context.Background(), draft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "obs-dup" {
		t.Fatalf("id = %q, want obs-dup", id)
	}
	if disp.count() != 0 {
		t.Fatalf("duplicate submission dispatched extraction %d times", disp.count())
	}
}

func TestSubmitSurfacesCapacityError(t *testing.T) {
	st := &fakeIngestStore{err: faults.Capacity("observations", errors.New("no space left on device"))}
	svc := New(st, &fakeDispatcher{})

	id, err := svc.Submit(context.Background(), validDraft())
	if err == nil {
		t.Fatal("expected capacity error")
	}
	if !faults.IsCapacity(err) {
		t.Fatalf("error not a capacity error: %v", err)
	}
	if id != "" {
		t.Fatalf("id = %q, want empty on failure", id)
	}
}

func TestSubmitDispatchFailureDoesNotFail(t *testing.T) {
	st := &fakeIngestStore{}
	disp := &fakeDispatcher{err: errors.New("stream unavailable")}
	svc := New(st, disp)

	id, err := svc.Submit(context.Background(), validDraft())
	if err != nil {
		t.Fatalf("dispatch failure must not fail Submit: %v", err)
	}
	if id == "" {
		t.Fatal("id empty after successful persistence")
	}
}

type slowExtractor struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	total   int
}

func (e *slowExtractor) Process(ctx context.Context, rec store.ObservationRecord) (int, error) {
	e.mu.Lock()
	e.active++
	if e.active > e.maxSeen {
		e.maxSeen = e.active
	}
	e.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	e.mu.Lock()
	e.active--
	e.total++
	e.mu.Unlock()
	return 0, nil
}

func TestDirectDispatcherBoundsConcurrency(t *testing.T) {
	ex := &slowExtractor{}
	disp := NewDirectDispatcher(ex, 3)

	rec := store.ObservationRecord{ID: "obs-1", Kind: store.KindSpeechUser, Text: "hello"}
	for i := 0; i < 20; i++ {
		if err := disp.Dispatch(context.Background(), rec); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	disp.Wait()

	if ex.total != 20 {
		t.Fatalf("processed %d records, want 20", ex.total)
	}
	if ex.maxSeen > 3 {
		t.Fatalf("observed %d concurrent extractions, pool bound is 3", ex.maxSeen)
	}
}

type publisherStub struct {
	stream  string
	event   string
	version string
	payload map[string]interface{}
	opts    int
	calls   int
}

func (p *publisherStub) PublishRaw(_ context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error) {
	p.stream = stream
	p.event = eventType
	p.version = version
	p.opts = len(opts)
	p.calls++
	if m, ok := payload.(map[string]interface{}); ok {
		p.payload = m
	}
	return "0-0", nil
}

func TestStreamDispatcherPublishesValidEnvelope(t *testing.T) {
	stub := &publisherStub{}
	disp := &StreamDispatcher{publisher: stub, stream: "observations"}

	rec := store.ObservationRecord{
		ID:             "obs-9",
		Timestamp:      time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
		Kind:           store.KindVision,
		Text:           "a person entered the room",
		SourceMetadata: map[string]interface{}{"camera": "kitchen"},
	}
	if err := disp.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("publish calls = %d, want 1", stub.calls)
	}
	if stub.stream != "observations" || stub.event != streams.EventObservationIngested || stub.version != streams.PayloadV1 {
		t.Fatalf("published stream=%q event=%q version=%q", stub.stream, stub.event, stub.version)
	}
	if stub.opts == 0 {
		t.Fatal("expected a stream length cap option")
	}
	if stub.payload["observation_id"] != "obs-9" {
		t.Fatalf("payload = %+v", stub.payload)
	}
	if _, err := time.Parse(time.RFC3339Nano, stub.payload["ts"].(string)); err != nil {
		t.Fatalf("payload ts not RFC3339: %v", err)
	}

	// The payload must satisfy the registered event schema.
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register schemas: %v", err)
	}
	raw, err := json.Marshal(stub.payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := reg.Validate(streams.EventObservationIngested, streams.PayloadV1, raw); err != nil {
		t.Fatalf("payload rejected by schema: %v", err)
	}
}
