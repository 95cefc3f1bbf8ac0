package cargo

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/drivertest"
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

func cargoColumnNames() []string {
	return []string{"id", "owner", "driver_ref", "managed", "managed_by_sandbox_id", "created_at", "deleted_at"}
}

func TestVolumeNameForConvention(t *testing.T) {
	if got := VolumeNameFor("cargo-123"); got != "bay-cargo-cargo-123" {
		t.Errorf("VolumeNameFor = %q, want bay-cargo-cargo-123", got)
	}
}

func TestVolumeNameForIsDeterministic(t *testing.T) {
	a := VolumeNameFor("abc")
	b := VolumeNameFor("abc")
	if a != b {
		t.Errorf("expected VolumeNameFor to be deterministic, got %q vs %q", a, b)
	}
}

func TestManagerCreateProvisionsVolumeThenRow(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO cargo").WillReturnResult(sqlmock.NewResult(0, 1))

	fake := drivertest.NewFake()
	m := NewManager(database, fake)

	c, err := m.Create(context.Background(), "alice", true, "sbx-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exists, _ := fake.VolumeExists(context.Background(), c.DriverRef)
	if !exists {
		t.Errorf("expected volume %s to have been provisioned before the row commit", c.DriverRef)
	}
	if !c.Managed || c.ManagedBySandboxID != "sbx-1" {
		t.Errorf("expected a managed cargo bound to sbx-1, got %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestManagerCreateSurfacesRowFailureAsInternal(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO cargo").WillReturnError(context.DeadlineExceeded)

	fake := drivertest.NewFake()
	m := NewManager(database, fake)

	_, err := m.Create(context.Background(), "alice", false, "")
	if !bayerr.Is(err, bayerr.CodeInternal) {
		t.Fatalf("expected internal_error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestManagerDeleteManagedRefusesWithoutForce(t *testing.T) {
	database, mock := newMockDB(t)
	rows := sqlmock.NewRows(cargoColumnNames()).
		AddRow("cargo-1", "alice", "bay-cargo-cargo-1", true, "sbx-1", time.Now(), nil)
	mock.ExpectQuery("FROM cargo").WillReturnRows(rows)

	fake := drivertest.NewFake()
	m := NewManager(database, fake)

	err := m.Delete(context.Background(), "cargo-1", "alice", false)
	if !bayerr.Is(err, bayerr.CodeConflict) {
		t.Fatalf("expected conflict refusing to delete a managed cargo without force, got %v", err)
	}
}

func TestManagerDeleteForceDeletesManagedCargo(t *testing.T) {
	database, mock := newMockDB(t)
	rows := sqlmock.NewRows(cargoColumnNames()).
		AddRow("cargo-1", "alice", "bay-cargo-cargo-1", true, "sbx-1", time.Now(), nil)
	mock.ExpectQuery("FROM cargo").WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM cargo").WillReturnResult(sqlmock.NewResult(0, 1))

	fake := drivertest.NewFake()
	m := NewManager(database, fake)
	if err := m.Delete(context.Background(), "cargo-1", "alice", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestManagerDeleteNotFoundForWrongOwner(t *testing.T) {
	database, mock := newMockDB(t)
	rows := sqlmock.NewRows(cargoColumnNames()).
		AddRow("cargo-1", "alice", "bay-cargo-cargo-1", false, nil, time.Now(), nil)
	mock.ExpectQuery("FROM cargo").WillReturnRows(rows)

	fake := drivertest.NewFake()
	m := NewManager(database, fake)

	err := m.Delete(context.Background(), "cargo-1", "mallory", false)
	if !bayerr.Is(err, bayerr.CodeNotFound) {
		t.Fatalf("expected not_found for an owner mismatch, got %v", err)
	}
}
