package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/ingest"
	"github.com/keepsakehq/keepsake/internal/store"
)

type ingestStub struct {
	id        string
	err       error
	submitted []ingest.Draft
}

func (s *ingestStub) Submit(ctx context.Context, draft ingest.Draft) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.submitted = append(s.submitted, draft)
	return s.id, nil
}

type observationStoreStub struct {
	recs map[string]store.ObservationRecord
	err  error
}

func (s *observationStoreStub) GetObservation(ctx context.Context, id string) (store.ObservationRecord, bool, error) {
	if s.err != nil {
		return store.ObservationRecord{}, false, s.err
	}
	rec, ok := s.recs[id]
	return rec, ok, nil
}

// newJSONContext builds an echo context around a recorded request. Handlers
// are called directly, so auth middleware stays out of the picture.
func newJSONContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSubmitObservationAccepted(t *testing.T) {
	stub := &ingestStub{id: "obs-1"}
	h := &ObservationsHandler{Ingest: stub}

	c, rec := newJSONContext(t, http.MethodPost, "/api/observations",
		`{"kind":"speech_user","ts":"2026-02-01T10:00:00Z","text":"my name is Josh"}`)
	if err := h.submit(c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "obs-1" {
		t.Fatalf("expected id obs-1, got %q", resp.ID)
	}
	if len(stub.submitted) != 1 || stub.submitted[0].Kind != store.KindSpeechUser {
		t.Fatalf("unexpected submission: %+v", stub.submitted)
	}
}

func TestSubmitObservationErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", faults.Validation("kind", "unknown kind"), http.StatusBadRequest},
		{"capacity", faults.Capacity("observations", errors.New("store refused write")), http.StatusInsufficientStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &ObservationsHandler{Ingest: &ingestStub{err: tc.err}}
			c, _ := newJSONContext(t, http.MethodPost, "/api/observations",
				`{"kind":"vision","ts":"2026-02-01T10:00:00Z","text":"a cat"}`)
			err := h.submit(c)
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %v", err)
			}
			if he.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, he.Code)
			}
		})
	}
}

func TestGetObservationReturnsRecord(t *testing.T) {
	ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	h := &ObservationsHandler{Store: &observationStoreStub{recs: map[string]store.ObservationRecord{
		"obs-1": {ID: "obs-1", Timestamp: ts, Kind: store.KindVision, Text: "a cat on the couch"},
	}}}

	c, rec := newJSONContext(t, http.MethodGet, "/api/observations/obs-1", "")
	c.SetParamNames("id")
	c.SetParamValues("obs-1")
	if err := h.get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp observationPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "obs-1" || resp.Kind != store.KindVision || resp.Text != "a cat on the couch" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestGetObservationNotFound(t *testing.T) {
	h := &ObservationsHandler{Store: &observationStoreStub{}}
	c, _ := newJSONContext(t, http.MethodGet, "/api/observations/missing", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
