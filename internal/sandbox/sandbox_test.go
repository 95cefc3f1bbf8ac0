package sandbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/lock"
)

func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &db.DB{DB: sqlDB}, mock
}

func sandboxColumnNames() []string {
	return []string{
		"id", "owner", "profile_id", "cargo_id", "current_session_id",
		"expires_at", "idle_expires_at", "last_active_at", "created_at", "deleted_at",
		"idempotency_key", "extend_idempotency_key", "extend_idempotency_expires_at",
	}
}

func TestComputeStatusSoftDeletedIsExpired(t *testing.T) {
	row := &db.Sandbox{DeletedAt: sql.NullTime{Time: time.Now(), Valid: true}}
	if got := computeStatus(row, nil); got != StatusExpired {
		t.Errorf("soft-deleted sandbox status = %s, want %s", got, StatusExpired)
	}
}

func TestComputeStatusPastExpiryIsExpired(t *testing.T) {
	row := &db.Sandbox{ExpiresAt: sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true}}
	if got := computeStatus(row, nil); got != StatusExpired {
		t.Errorf("expired sandbox status = %s, want %s", got, StatusExpired)
	}
}

func TestComputeStatusNoSessionIsIdle(t *testing.T) {
	row := &db.Sandbox{ExpiresAt: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true}}
	if got := computeStatus(row, nil); got != StatusIdle {
		t.Errorf("no-session sandbox status = %s, want %s", got, StatusIdle)
	}
}

func TestComputeStatusTracksSessionObservedState(t *testing.T) {
	row := &db.Sandbox{CurrentSessionID: sql.NullString{String: "sess-1", Valid: true}}

	cases := map[string]Status{
		"running":  StatusReady,
		"starting": StatusStarting,
		"pending":  StatusStarting,
		"failed":   StatusFailed,
		"stopped":  StatusIdle,
	}
	for observed, want := range cases {
		sess := &db.Session{ObservedState: observed}
		if got := computeStatus(row, sess); got != want {
			t.Errorf("observed_state=%s: status = %s, want %s", observed, got, want)
		}
	}
}

func TestComputeStatusDeletedTakesPriorityOverSession(t *testing.T) {
	row := &db.Sandbox{
		DeletedAt:        sql.NullTime{Time: time.Now(), Valid: true},
		CurrentSessionID: sql.NullString{String: "sess-1", Valid: true},
	}
	sess := &db.Session{ObservedState: "running"}
	if got := computeStatus(row, sess); got != StatusExpired {
		t.Errorf("deleted sandbox status = %s, want %s even with a running session", got, StatusExpired)
	}
}

func TestNullTimePtrRoundTrip(t *testing.T) {
	if nullTimePtr(sql.NullTime{}) != nil {
		t.Errorf("expected nil for an invalid NullTime")
	}
	now := time.Now()
	got := nullTimePtr(sql.NullTime{Time: now, Valid: true})
	if got == nil || !got.Equal(now) {
		t.Errorf("expected a pointer to %v, got %v", now, got)
	}
}

func TestCreateReplaysPriorResultForRepeatedIdempotencyKey(t *testing.T) {
	database, mock := newMockDB(t)
	rows := sqlmock.NewRows(sandboxColumnNames()).
		AddRow("sbx-1", "alice", "p1", "cargo-1", nil, nil, nil, nil, time.Now(), nil, "idem-1", nil, nil)
	mock.ExpectQuery("FROM sandboxes").WillReturnRows(rows)

	m := &Manager{db: database}
	sb, replayed, err := m.Create(context.Background(), "alice", "p1", "", 3600, "idem-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !replayed {
		t.Errorf("expected the second create with the same idempotency key to be replayed")
	}
	if sb.ID != "sbx-1" {
		t.Errorf("expected the prior sandbox's id sbx-1, got %q", sb.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestExtendTTLRejectsNonPositiveExtension(t *testing.T) {
	m := &Manager{}
	_, _, err := m.ExtendTTL("sbx-1", "alice", 0, "")
	if !bayerr.Is(err, bayerr.CodeValidation) {
		t.Fatalf("expected validation_error for extend_by=0, got %v", err)
	}
}

func TestDeleteIsIdempotentOnAlreadyDeletedSandbox(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectBegin()
	rows := sqlmock.NewRows(sandboxColumnNames()).
		AddRow("sbx-1", "alice", "p1", "cargo-1", nil, nil, nil, nil, time.Now(),
			time.Now(), nil, nil, nil)
	mock.ExpectQuery("FROM sandboxes").WillReturnRows(rows)
	mock.ExpectCommit()

	m := &Manager{db: database, locks: lock.NewRegistry()}
	if err := m.Delete(context.Background(), "sbx-1", "alice"); err != nil {
		t.Fatalf("expected a no-op delete on an already-deleted sandbox, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestDeleteIsNotFoundNoopOnOwnerMismatch(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectBegin()
	rows := sqlmock.NewRows(sandboxColumnNames()).
		AddRow("sbx-1", "alice", "p1", "cargo-1", nil, nil, nil, nil, time.Now(), nil, nil, nil, nil)
	mock.ExpectQuery("FROM sandboxes").WillReturnRows(rows)
	mock.ExpectCommit()

	m := &Manager{db: database, locks: lock.NewRegistry()}
	if err := m.Delete(context.Background(), "sbx-1", "mallory"); err != nil {
		t.Fatalf("expected delete to silently no-op for a non-owner, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
