package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`INSERT INTO claims (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`)

	mock.ExpectQuery(query).
		WithArgs(ClaimScopeArchiveFile, "2025-06-01/speech-103000.jsonl").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))

	got, err := st.Claim(context.Background(), ClaimScopeArchiveFile, "2025-06-01/speech-103000.jsonl")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !got {
		t.Fatalf("expected claim to succeed")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimAlreadyHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`INSERT INTO claims (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`)

	mock.ExpectQuery(query).
		WithArgs(ClaimScopeEvent, "evt-7").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}))

	got, err := st.Claim(context.Background(), ClaimScopeEvent, "evt-7")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got {
		t.Fatalf("expected contended claim to report false")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`DELETE FROM claims WHERE scope=$1 AND key=$2`)

	mock.ExpectExec(query).
		WithArgs(ClaimScopeArchiveFile, "2025-06-01/speech-103000.jsonl").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.ReleaseClaim(context.Background(), ClaimScopeArchiveFile, "2025-06-01/speech-103000.jsonl"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
