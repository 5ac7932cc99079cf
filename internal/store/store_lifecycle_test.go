package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)

	query := regexp.QuoteMeta(`
INSERT INTO summaries (day, kind, text, source_count, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (day, kind) DO UPDATE SET
  text         = EXCLUDED.text,
  source_count = EXCLUDED.source_count,
  created_at   = NOW()
`)
	mock.ExpectExec(query).
		WithArgs("2025-06-01", SummaryKindSpeech, "Worked on the archive path all day.", 34).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpsertSummary(context.Background(), SummaryRecord{
		Day:         day,
		Kind:        SummaryKindSpeech,
		Text:        "Worked on the archive path all day.",
		SourceCount: 34,
	})
	if err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConfirmManifest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE archive_manifest
SET confirmed = TRUE,
    confirmed_at = NOW()
WHERE file_name=$1
`)
	mock.ExpectExec(query).
		WithArgs("speech-103000.jsonl.gz").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.ConfirmManifest(context.Background(), "speech-103000.jsonl.gz"); err != nil {
		t.Fatalf("ConfirmManifest: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetManifest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT file_name, day, dest_uri, size_bytes, checksum, emergency, confirmed, created_at, confirmed_at
FROM archive_manifest
WHERE file_name=$1
`)
	mock.ExpectQuery(query).
		WithArgs("speech-103000.jsonl.gz").
		WillReturnRows(sqlmock.NewRows([]string{
			"file_name", "day", "dest_uri", "size_bytes", "checksum", "emergency", "confirmed", "created_at", "confirmed_at",
		}).AddRow(
			"speech-103000.jsonl.gz", now, "s3://keepsake-archive/2025-06-01/speech-103000.jsonl.gz",
			int64(2048), "a1b2", false, true, now, now,
		))

	rec, ok, err := st.GetManifest(context.Background(), "speech-103000.jsonl.gz")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if !ok {
		t.Fatalf("expected manifest to exist")
	}
	if !rec.Confirmed || rec.ConfirmedAt == nil {
		t.Fatalf("expected confirmed manifest, got %#v", rec)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertLifecycleJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)

	query := regexp.QuoteMeta(`
INSERT INTO lifecycle_jobs (job_type, day, kind, status, error, attempts, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (job_type, day, kind) DO UPDATE SET
  status     = EXCLUDED.status,
  error      = EXCLUDED.error,
  attempts   = lifecycle_jobs.attempts + CASE WHEN EXCLUDED.status = 'running' THEN 1 ELSE 0 END,
  updated_at = NOW()
`)
	mock.ExpectExec(query).
		WithArgs(JobTypeSummarize, "2025-06-01", SummaryKindSpeech, JobStatusRunning, "", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpsertLifecycleJob(context.Background(), LifecycleJobRecord{
		JobType:  JobTypeSummarize,
		Day:      day,
		Kind:     SummaryKindSpeech,
		Status:   JobStatusRunning,
		Attempts: 1,
	})
	if err != nil {
		t.Fatalf("UpsertLifecycleJob: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSummaryPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT id, job_type, day, kind, status, error, attempts, created_at, updated_at
FROM lifecycle_jobs
WHERE job_type=$1 AND day=$2 AND kind=$3
`)
	mock.ExpectQuery(query).
		WithArgs(JobTypeSummarize, "2025-06-01", SummaryKindSpeech).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "day", "kind", "status", "error", "attempts", "created_at", "updated_at",
		}).AddRow(
			int64(1), JobTypeSummarize, day, SummaryKindSpeech, JobStatusFailed, "llm timeout", 2, now, now,
		))

	pending, err := st.SummaryPending(context.Background(), day, SummaryKindSpeech)
	if err != nil {
		t.Fatalf("SummaryPending: %v", err)
	}
	if !pending {
		t.Fatalf("expected failed summarize job to count as pending")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSummaryPendingNoJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)

	query := regexp.QuoteMeta(`
SELECT id, job_type, day, kind, status, error, attempts, created_at, updated_at
FROM lifecycle_jobs
WHERE job_type=$1 AND day=$2 AND kind=$3
`)
	mock.ExpectQuery(query).
		WithArgs(JobTypeSummarize, "2025-06-01", SummaryKindVision).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "day", "kind", "status", "error", "attempts", "created_at", "updated_at",
		}))

	pending, err := st.SummaryPending(context.Background(), day, SummaryKindVision)
	if err != nil {
		t.Fatalf("SummaryPending: %v", err)
	}
	if pending {
		t.Fatalf("expected no job to mean nothing pending")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
