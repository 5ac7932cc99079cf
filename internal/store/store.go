package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Observation kinds accepted at ingest.
const (
	KindSpeechUser    = "speech_user"
	KindSpeechAmbient = "speech_ambient"
	KindVision        = "vision"
)

// Summary kinds produced by the daily archival run.
const (
	SummaryKindSpeech = "speech"
	SummaryKindVision = "vision"
)

const (
	// Lifecycle job types.
	JobTypeSummarize = "summarize"
	JobTypeArchive   = "archive"
	JobTypeEvict     = "evict"

	// Lifecycle job statuses.
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// Claim scopes. archive-file claims arbitrate file ownership between the
// scheduler and the guardian; event claims deduplicate stream deliveries.
const (
	ClaimScopeArchiveFile = "archive-file"
	ClaimScopeEvent       = "event"
)

// ValidKind reports whether k is an accepted observation kind.
func ValidKind(k string) bool {
	switch k {
	case KindSpeechUser, KindSpeechAmbient, KindVision:
		return true
	}
	return false
}

// SummaryKindFor maps an observation kind to the summary bucket it feeds.
func SummaryKindFor(observationKind string) string {
	if observationKind == KindVision {
		return SummaryKindVision
	}
	return SummaryKindSpeech
}

// ObservationRecord is one timestamped unit of sensed input. Text is immutable;
// only the archived flag changes after insert.
type ObservationRecord struct {
	ID             string
	Timestamp      time.Time
	Kind           string
	Text           string
	SourceMetadata map[string]interface{}
	Archived       bool
	CreatedAt      time.Time
}

// FactRecord is a durable, deduplicated key/value belief derived from observations.
type FactRecord struct {
	Key        string
	Value      string
	Category   string
	Confidence float64
	FirstSeen  time.Time
	LastSeen   time.Time
}

// SummaryRecord is the per-(day, kind) condensation of a day's observations.
type SummaryRecord struct {
	Day         time.Time
	Kind        string
	Text        string
	SourceCount int
	CreatedAt   time.Time
}

// ManifestRecord tracks one raw file's archive destination. Local deletion is
// gated on Confirmed.
type ManifestRecord struct {
	FileName    string
	Day         time.Time
	DestURI     string
	SizeBytes   int64
	Checksum    string
	Emergency   bool
	Confirmed   bool
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// LifecycleJobRecord captures one scheduled unit of lifecycle work per (type, day, kind).
type LifecycleJobRecord struct {
	ID        int64
	JobType   string
	Day       time.Time
	Kind      string
	Status    string
	Error     string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HealthStats is the snapshot surfaced on the lifecycle status endpoint.
type HealthStats struct {
	Observations    int64      `json:"observations"`
	Unarchived      int64      `json:"unarchived"`
	Facts           int64      `json:"facts"`
	Summaries       int64      `json:"summaries"`
	PendingJobs     int64      `json:"pending_jobs"`
	LastSummaryAt   *time.Time `json:"last_summary_at,omitempty"`
	LastObservation *time.Time `json:"last_observation_at,omitempty"`
}

var (
	metricsOnce      sync.Once
	ingestCounter    otelmetric.Int64Counter
	factCounter      otelmetric.Int64Counter
	summaryCounter   otelmetric.Int64Counter
	metricsInitErr   error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	ingestCounter, err = meter.Int64Counter("observations_ingested_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	factCounter, err = meter.Int64Counter("facts_upserted_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	summaryCounter, err = meter.Int64Counter("summaries_written_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Observation operations

// InsertObservation persists an observation. It returns false when the id was
// already present, which makes resubmission a no-op.
func (s *Store) InsertObservation(ctx context.Context, rec ObservationRecord) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("observation id must be provided")
	}
	metaBytes, err := json.Marshal(rec.SourceMetadata)
	if err != nil {
		return false, fmt.Errorf("marshal source metadata: %w", err)
	}
	var inserted bool
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO observations (id, ts, kind, text, source_metadata)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING
RETURNING true
`, rec.ID, rec.Timestamp.UTC(), rec.Kind, rec.Text, metaBytes).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metricsOnce.Do(initStoreMetrics)
	if ingestCounter != nil {
		ingestCounter.Add(ctx, 1)
	}
	return inserted, nil
}

// GetObservation fetches one record by id.
func (s *Store) GetObservation(ctx context.Context, id string) (ObservationRecord, bool, error) {
	var (
		rec       ObservationRecord
		metaBytes []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, ts, kind, text, COALESCE(source_metadata, 'null'::jsonb), archived, created_at
FROM observations
WHERE id=$1
`, id).Scan(&rec.ID, &rec.Timestamp, &rec.Kind, &rec.Text, &metaBytes, &rec.Archived, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ObservationRecord{}, false, nil
	}
	if err != nil {
		return ObservationRecord{}, false, err
	}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &rec.SourceMetadata); err != nil {
			return ObservationRecord{}, false, fmt.Errorf("unmarshal source metadata: %w", err)
		}
	}
	return rec, true, nil
}

// ListRecentObservations returns up to limit records, most recent first.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]ObservationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ts, kind, text, COALESCE(source_metadata, 'null'::jsonb), archived, created_at
FROM observations
ORDER BY ts DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// ListObservationsRange returns records with from <= ts < to, oldest first,
// optionally restricted to the given kinds.
func (s *Store) ListObservationsRange(ctx context.Context, from, to time.Time, kinds ...string) ([]ObservationRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(kinds) > 0 {
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, ts, kind, text, COALESCE(source_metadata, 'null'::jsonb), archived, created_at
FROM observations
WHERE ts >= $1 AND ts < $2 AND kind = ANY($3)
ORDER BY ts ASC
`, from.UTC(), to.UTC(), pq.Array(kinds))
	} else {
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, ts, kind, text, COALESCE(source_metadata, 'null'::jsonb), archived, created_at
FROM observations
WHERE ts >= $1 AND ts < $2
ORDER BY ts ASC
`, from.UTC(), to.UTC())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// ListObservationsForDay returns one local day's records for the given kinds.
func (s *Store) ListObservationsForDay(ctx context.Context, day time.Time, kinds ...string) ([]ObservationRecord, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.ListObservationsRange(ctx, start, start.Add(24*time.Hour), kinds...)
}

// MarkObservationsArchived flips the archived flag for the given ids.
func (s *Store) MarkObservationsArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE observations
SET archived = TRUE
WHERE id = ANY($1)
`, pq.Array(ids))
	return err
}

// DeleteObservation removes a single record by id.
func (s *Store) DeleteObservation(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM observations WHERE id=$1`, id)
	return err
}

// PruneArchivedObservationsBefore deletes archived records older than cutoff and
// reports how many went away. Unarchived records are never pruned.
func (s *Store) PruneArchivedObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM observations
WHERE archived = TRUE
  AND ts < $1
`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanObservations(rows *sql.Rows) ([]ObservationRecord, error) {
	var out []ObservationRecord
	for rows.Next() {
		var (
			rec       ObservationRecord
			metaBytes []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Kind, &rec.Text, &metaBytes, &rec.Archived, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &rec.SourceMetadata); err != nil {
				return nil, fmt.Errorf("unmarshal source metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fact operations

// UpsertFact applies new evidence for a key. The row merge keeps the earliest
// first_seen and the latest last_seen, so concurrent upserts for the same key
// serialize in the database and never lose the later sighting.
func (s *Store) UpsertFact(ctx context.Context, f FactRecord) error {
	if f.Key == "" {
		return fmt.Errorf("fact key must be provided")
	}
	if f.FirstSeen.IsZero() {
		f.FirstSeen = f.LastSeen
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO facts (key, value, category, confidence, first_seen, last_seen)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (key) DO UPDATE SET
  value      = EXCLUDED.value,
  category   = EXCLUDED.category,
  confidence = EXCLUDED.confidence,
  first_seen = LEAST(facts.first_seen, EXCLUDED.first_seen),
  last_seen  = GREATEST(facts.last_seen, EXCLUDED.last_seen)
`, f.Key, f.Value, f.Category, f.Confidence, f.FirstSeen.UTC(), f.LastSeen.UTC())
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if factCounter != nil {
		factCounter.Add(ctx, 1)
	}
	return nil
}

// GetFact fetches one fact by key.
func (s *Store) GetFact(ctx context.Context, key string) (FactRecord, bool, error) {
	var rec FactRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT key, value, category, confidence, first_seen, last_seen
FROM facts
WHERE key=$1
`, key).Scan(&rec.Key, &rec.Value, &rec.Category, &rec.Confidence, &rec.FirstSeen, &rec.LastSeen)
	if err == sql.ErrNoRows {
		return FactRecord{}, false, nil
	}
	if err != nil {
		return FactRecord{}, false, err
	}
	return rec, true, nil
}

// ListFacts returns the whole fact index, most recently seen first.
func (s *Store) ListFacts(ctx context.Context) ([]FactRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT key, value, category, confidence, first_seen, last_seen
FROM facts
ORDER BY last_seen DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FactRecord
	for rows.Next() {
		var rec FactRecord
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Category, &rec.Confidence, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary operations

// UpsertSummary writes the summary for (day, kind), overwriting any previous run.
func (s *Store) UpsertSummary(ctx context.Context, sum SummaryRecord) error {
	if sum.Kind == "" {
		return fmt.Errorf("summary kind must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO summaries (day, kind, text, source_count, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (day, kind) DO UPDATE SET
  text         = EXCLUDED.text,
  source_count = EXCLUDED.source_count,
  created_at   = NOW()
`, sum.Day.Format("2006-01-02"), sum.Kind, sum.Text, sum.SourceCount)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if summaryCounter != nil {
		summaryCounter.Add(ctx, 1)
	}
	return nil
}

// GetSummary fetches the summary for (day, kind).
func (s *Store) GetSummary(ctx context.Context, day time.Time, kind string) (SummaryRecord, bool, error) {
	var rec SummaryRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT day, kind, text, source_count, created_at
FROM summaries
WHERE day=$1 AND kind=$2
`, day.Format("2006-01-02"), kind).Scan(&rec.Day, &rec.Kind, &rec.Text, &rec.SourceCount, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return SummaryRecord{}, false, nil
	}
	if err != nil {
		return SummaryRecord{}, false, err
	}
	return rec, true, nil
}

// ListRecentSummaries returns up to limit summaries, newest day first.
func (s *Store) ListRecentSummaries(ctx context.Context, limit int) ([]SummaryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT day, kind, text, source_count, created_at
FROM summaries
ORDER BY day DESC, kind ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ListAllSummaries returns every summary, newest day first.
func (s *Store) ListAllSummaries(ctx context.Context) ([]SummaryRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT day, kind, text, source_count, created_at
FROM summaries
ORDER BY day DESC, kind ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]SummaryRecord, error) {
	var out []SummaryRecord
	for rows.Next() {
		var rec SummaryRecord
		if err := rows.Scan(&rec.Day, &rec.Kind, &rec.Text, &rec.SourceCount, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Archive manifest operations

// UpsertManifest records (or refreshes) a file's archive destination before the
// copy is confirmed.
func (s *Store) UpsertManifest(ctx context.Context, m ManifestRecord) error {
	if m.FileName == "" {
		return fmt.Errorf("manifest file name must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO archive_manifest (file_name, day, dest_uri, size_bytes, checksum, emergency)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (file_name) DO UPDATE SET
  day        = EXCLUDED.day,
  dest_uri   = EXCLUDED.dest_uri,
  size_bytes = EXCLUDED.size_bytes,
  checksum   = EXCLUDED.checksum,
  emergency  = EXCLUDED.emergency
`, m.FileName, m.Day.Format("2006-01-02"), m.DestURI, m.SizeBytes, m.Checksum, m.Emergency)
	return err
}

// ConfirmManifest marks a file's remote copy durable. Only confirmed rows permit
// local deletion.
func (s *Store) ConfirmManifest(ctx context.Context, fileName string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE archive_manifest
SET confirmed = TRUE,
    confirmed_at = NOW()
WHERE file_name=$1
`, fileName)
	return err
}

// GetManifest fetches one manifest row by file name.
func (s *Store) GetManifest(ctx context.Context, fileName string) (ManifestRecord, bool, error) {
	var rec ManifestRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT file_name, day, dest_uri, size_bytes, checksum, emergency, confirmed, created_at, confirmed_at
FROM archive_manifest
WHERE file_name=$1
`, fileName).Scan(&rec.FileName, &rec.Day, &rec.DestURI, &rec.SizeBytes, &rec.Checksum, &rec.Emergency, &rec.Confirmed, &rec.CreatedAt, &rec.ConfirmedAt)
	if err == sql.ErrNoRows {
		return ManifestRecord{}, false, nil
	}
	if err != nil {
		return ManifestRecord{}, false, err
	}
	return rec, true, nil
}

// ListUnconfirmedManifests returns rows whose remote copy is still unverified.
func (s *Store) ListUnconfirmedManifests(ctx context.Context) ([]ManifestRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT file_name, day, dest_uri, size_bytes, checksum, emergency, confirmed, created_at, confirmed_at
FROM archive_manifest
WHERE confirmed = FALSE
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ManifestRecord
	for rows.Next() {
		var rec ManifestRecord
		if err := rows.Scan(&rec.FileName, &rec.Day, &rec.DestURI, &rec.SizeBytes, &rec.Checksum, &rec.Emergency, &rec.Confirmed, &rec.CreatedAt, &rec.ConfirmedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Claim operations

// Claim attempts to register ownership of (scope, key). It returns false when
// another actor already holds the claim.
func (s *Store) Claim(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO claims (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ReleaseClaim drops a claim so the file can be handled again, e.g. after a
// failed copy.
func (s *Store) ReleaseClaim(ctx context.Context, scope, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM claims WHERE scope=$1 AND key=$2`, scope, key)
	return err
}

// Lifecycle job operations

// UpsertLifecycleJob records the latest state for (job_type, day, kind),
// bumping the attempt counter on every transition through running.
func (s *Store) UpsertLifecycleJob(ctx context.Context, job LifecycleJobRecord) error {
	if job.JobType == "" || job.Status == "" {
		return fmt.Errorf("job type and status must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO lifecycle_jobs (job_type, day, kind, status, error, attempts, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (job_type, day, kind) DO UPDATE SET
  status     = EXCLUDED.status,
  error      = EXCLUDED.error,
  attempts   = lifecycle_jobs.attempts + CASE WHEN EXCLUDED.status = 'running' THEN 1 ELSE 0 END,
  updated_at = NOW()
`, job.JobType, job.Day.Format("2006-01-02"), job.Kind, job.Status, job.Error, job.Attempts)
	return err
}

// GetLifecycleJob fetches the job row for (job_type, day, kind).
func (s *Store) GetLifecycleJob(ctx context.Context, jobType string, day time.Time, kind string) (LifecycleJobRecord, bool, error) {
	var rec LifecycleJobRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, job_type, day, kind, status, error, attempts, created_at, updated_at
FROM lifecycle_jobs
WHERE job_type=$1 AND day=$2 AND kind=$3
`, jobType, day.Format("2006-01-02"), kind).Scan(&rec.ID, &rec.JobType, &rec.Day, &rec.Kind, &rec.Status, &rec.Error, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return LifecycleJobRecord{}, false, nil
	}
	if err != nil {
		return LifecycleJobRecord{}, false, err
	}
	return rec, true, nil
}

// ListLifecycleJobsByStatus returns jobs matching any of the given statuses,
// oldest first.
func (s *Store) ListLifecycleJobsByStatus(ctx context.Context, statuses ...string) ([]LifecycleJobRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_type, day, kind, status, error, attempts, created_at, updated_at
FROM lifecycle_jobs
WHERE status = ANY($1)
ORDER BY day ASC, job_type ASC
`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LifecycleJobRecord
	for rows.Next() {
		var rec LifecycleJobRecord
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Day, &rec.Kind, &rec.Status, &rec.Error, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryPending reports whether the summarize job for (day, kind) has not yet
// succeeded. A pending marker defers observation pruning for that day.
func (s *Store) SummaryPending(ctx context.Context, day time.Time, kind string) (bool, error) {
	job, ok, err := s.GetLifecycleJob(ctx, JobTypeSummarize, day, kind)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return job.Status != JobStatusSuccess, nil
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Health

// Stats gathers the counters surfaced on the status endpoint.
func (s *Store) Stats(ctx context.Context) (HealthStats, error) {
	var st HealthStats
	err := s.DB.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM observations),
  (SELECT COUNT(*) FROM observations WHERE archived = FALSE),
  (SELECT COUNT(*) FROM facts),
  (SELECT COUNT(*) FROM summaries),
  (SELECT COUNT(*) FROM lifecycle_jobs WHERE status IN ('pending','failed')),
  (SELECT MAX(created_at) FROM summaries),
  (SELECT MAX(ts) FROM observations)
`).Scan(&st.Observations, &st.Unarchived, &st.Facts, &st.Summaries, &st.PendingJobs, &st.LastSummaryAt, &st.LastObservation)
	if err != nil {
		return HealthStats{}, err
	}
	return st, nil
}

// DayOf truncates ts to its local calendar day.
func DayOf(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
}

// FormatDay renders a day in the date-partition layout shared with the archive.
func FormatDay(day time.Time) string {
	return day.Format("2006-01-02")
}

// ParseDay parses a YYYY-MM-DD day string.
func ParseDay(s string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day: %w", err)
	}
	return day, nil
}
