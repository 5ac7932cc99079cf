package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertFact(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
INSERT INTO facts (key, value, category, confidence, first_seen, last_seen)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (key) DO UPDATE SET
  value      = EXCLUDED.value,
  category   = EXCLUDED.category,
  confidence = EXCLUDED.confidence,
  first_seen = LEAST(facts.first_seen, EXCLUDED.first_seen),
  last_seen  = GREATEST(facts.last_seen, EXCLUDED.last_seen)
`)
	mock.ExpectExec(query).
		WithArgs("user_name", "Josh", "identity", 0.9, seen, seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpsertFact(context.Background(), FactRecord{
		Key:        "user_name",
		Value:      "Josh",
		Category:   "identity",
		Confidence: 0.9,
		FirstSeen:  seen,
		LastSeen:   seen,
	})
	if err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertFactDefaultsFirstSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO facts").
		WithArgs("current_project", "keepsake", "project", 0.8, seen, seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpsertFact(context.Background(), FactRecord{
		Key:        "current_project",
		Value:      "keepsake",
		Category:   "project",
		Confidence: 0.8,
		LastSeen:   seen,
	})
	if err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetFactMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT key, value, category, confidence, first_seen, last_seen
FROM facts
WHERE key=$1
`)
	mock.ExpectQuery(query).
		WithArgs("user_name").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "category", "confidence", "first_seen", "last_seen"}))

	_, ok, err := st.GetFact(context.Background(), "user_name")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if ok {
		t.Fatalf("expected fact to be missing")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListFacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT key, value, category, confidence, first_seen, last_seen
FROM facts
ORDER BY last_seen DESC
`)
	mock.ExpectQuery(query).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "category", "confidence", "first_seen", "last_seen"}).
			AddRow("user_name", "Josh", "identity", 0.9, now, now).
			AddRow("current_project", "keepsake", "project", 0.8, now.Add(-time.Hour), now.Add(-time.Hour)))

	facts, err := st.ListFacts(context.Background())
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if facts[0].Key != "user_name" {
		t.Fatalf("expected most recently seen fact first, got %q", facts[0].Key)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
