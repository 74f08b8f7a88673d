package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DriverPostgres), mock
}

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialect dialect
		in      string
		want    string
	}{
		{"sqlite untouched", DriverSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DriverPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"quoted question mark", DriverPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"no placeholders", DriverPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.dialect.rebind(tt.in); got != tt.want {
				t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("Expected pq 23505 to be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("Expected foreign key violation not to match")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Error("Expected plain error not to match")
	}
}

func TestPostgres_InsertRunConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
		WithArgs("r1", "j1", "", "MANUAL", "RUNNING", "alice", "h", "", "", sqlmock.AnyArg(), nil, nil).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.Queries().InsertRun(context.Background(), &job.Run{
		ID: "r1", JobID: "j1", Type: job.RunManual, Status: job.RunRunning,
		User: "alice", Hostname: "h", StartedAt: time.Now(),
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgres_FinishRunUsesNumberedPlaceholders(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	finished := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $6 AND status = $7")).
		WithArgs("FAILED", 137, finished.UnixMilli(), "RESOURCE_ERROR", "killed", "r1", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Queries().FinishRun(context.Background(), "r1", FinishParams{
		Status: job.RunFailed, ExitCode: 137, FinishedAt: finished,
		ErrorType: job.ErrorResource, Message: "killed",
	})
	if err != nil || !ok {
		t.Fatalf("Expected finish to apply, got %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgres_InsertAuditReturnsID(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("CREATE_JOB", "JOB", "j1", "alice", nil, `{"a":1}`, "", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.Queries().InsertAudit(context.Background(), &job.AuditEntry{
		Action: "CREATE_JOB", TargetType: "JOB", TargetID: "j1", Username: "alice",
		After: []byte(`{"a":1}`), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected id 42, got %d", id)
	}
}

func TestPostgres_WriteFailureIsPersistence(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnError(sql.ErrConnDone)

	err := s.Queries().SetJobStatus(context.Background(), "j1", job.StatusRunning, time.Now())
	if !errors.Is(err, apperrors.ErrPersistence) || !apperrors.IsFatal(err) {
		t.Errorf("Expected persistence error, got %v", err)
	}
}

func TestPostgres_TxCommitAndRollback(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules SET is_active = $1 WHERE id = $2")).
		WithArgs(false, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Tx(ctx, func(q *Queries) error {
		return q.SetScheduleActive(ctx, "s1", false)
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schedules")).
		WithArgs("s2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Tx(ctx, func(q *Queries) error {
		return q.DeleteSchedule(ctx, "s2")
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found to roll back, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgres_MigrateHoldsAdvisoryLock(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_init"))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	got := splitStatements("CREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a(x)" {
		t.Errorf("Expected 2 statements, got %q", got)
	}
}
