package server

import (
	"time"

	"github.com/keepsakehq/keepsake/internal/store"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// ComposeRequest asks for a context bundle at a given tier.
type ComposeRequest struct {
	Query string `json:"query"`
	Tier  string `json:"tier"`
}

// LifecycleRunRequest optionally pins a manual archival run to a day.
// Day uses the YYYY-MM-DD layout; empty means yesterday.
type LifecycleRunRequest struct {
	Day string `json:"day,omitempty"`
}

// LifecycleRunResponse reports the day a manual run covered.
type LifecycleRunResponse struct {
	Day    string `json:"day"`
	Status string `json:"status"`
}

// LifecycleStatusResponse is the operator view of the lifecycle engine.
type LifecycleStatusResponse struct {
	Running          bool              `json:"running"`
	LastRunAt        *time.Time        `json:"last_run_at,omitempty"`
	SpoolBytes       int64             `json:"spool_bytes"`
	SpoolUtilization float64           `json:"spool_utilization"`
	Store            store.HealthStats `json:"store"`
	Jobs             []jobPayload      `json:"attention_jobs"`
}

type observationPayload struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"ts"`
	Kind           string                 `json:"kind"`
	Text           string                 `json:"text"`
	SourceMetadata map[string]interface{} `json:"source_metadata,omitempty"`
	Archived       bool                   `json:"archived"`
	CreatedAt      time.Time              `json:"created_at"`
}

type factPayload struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

type summaryPayload struct {
	Day         string    `json:"day"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	SourceCount int       `json:"source_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type jobPayload struct {
	JobType   string    `json:"job_type"`
	Day       string    `json:"day"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toObservationPayload(rec store.ObservationRecord) observationPayload {
	return observationPayload{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp,
		Kind:           rec.Kind,
		Text:           rec.Text,
		SourceMetadata: rec.SourceMetadata,
		Archived:       rec.Archived,
		CreatedAt:      rec.CreatedAt,
	}
}

func toFactPayloads(recs []store.FactRecord) []factPayload {
	out := make([]factPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, factPayload{
			Key:        rec.Key,
			Value:      rec.Value,
			Category:   rec.Category,
			Confidence: rec.Confidence,
			FirstSeen:  rec.FirstSeen,
			LastSeen:   rec.LastSeen,
		})
	}
	return out
}

func toSummaryPayloads(recs []store.SummaryRecord) []summaryPayload {
	out := make([]summaryPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summaryPayload{
			Day:         store.FormatDay(rec.Day),
			Kind:        rec.Kind,
			Text:        rec.Text,
			SourceCount: rec.SourceCount,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return out
}

func toJobPayloads(recs []store.LifecycleJobRecord) []jobPayload {
	out := make([]jobPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, jobPayload{
			JobType:   rec.JobType,
			Day:       store.FormatDay(rec.Day),
			Kind:      rec.Kind,
			Status:    rec.Status,
			Error:     rec.Error,
			Attempts:  rec.Attempts,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out
}
