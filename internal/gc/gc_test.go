package gc

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/driver"
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

func TestDefaultConfigEnablesAllFourTasks(t *testing.T) {
	cfg := DefaultConfig("bay-0")
	if !cfg.IdleSessionGC || !cfg.ExpiredSandbox || !cfg.OrphanContainer || !cfg.OrphanWorkspace {
		t.Errorf("expected all four GC tasks enabled by default, got %+v", cfg)
	}
	if cfg.Interval != 5*time.Second {
		t.Errorf("expected default interval 5s, got %s", cfg.Interval)
	}
	if cfg.InstanceID != "bay-0" {
		t.Errorf("expected instance id to be carried through, got %q", cfg.InstanceID)
	}
}

func TestRunOnceSkipsDisabledTasks(t *testing.T) {
	cfg := Config{InstanceID: "bay-0"} // all tasks disabled
	c := &Collector{cfg: cfg}
	result := c.RunOnce(nil)
	if len(result.Results) != 0 {
		t.Errorf("expected no tasks to run when all are disabled, got %d", len(result.Results))
	}
}

// TestOrphanContainerGCRespectsInstanceFence confirms the strict instance_id
// fence: a container stamped with a different Bay process's instance_id is
// never returned by the driver's labelled listing in the first place, so
// orphanContainerGC neither sees nor destroys it.
func TestOrphanContainerGCRespectsInstanceFence(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectQuery("sessions").WillReturnRows(sqlmock.NewRows([]string{"container_id", "containers"}))

	fake := drivertest.NewFake()
	ours, err := fake.Create(context.Background(), driver.CreateSpec{
		Labels: driver.Labels{InstanceID: "bay-0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	theirs, err := fake.Create(context.Background(), driver.CreateSpec{
		Labels: driver.Labels{InstanceID: "bay-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := &Collector{cfg: Config{InstanceID: "bay-0"}, db: database, drv: fake}
	result := c.orphanContainerGC(context.Background())
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.CleanedCount != 1 {
		t.Errorf("expected exactly one orphan cleaned, got %d", result.CleanedCount)
	}

	remaining, _ := fake.ListRuntimeInstances(context.Background(), nil)
	var remainingIDs []string
	for _, r := range remaining {
		remainingIDs = append(remainingIDs, r.ID)
	}
	if len(remainingIDs) != 1 || remainingIDs[0] != theirs {
		t.Errorf("expected only the other instance's container %s to survive, got %v", theirs, remainingIDs)
	}
	if _, ok := findInstance(remaining, ours); ok {
		t.Errorf("expected our own orphaned container %s to have been destroyed", ours)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func findInstance(instances []driver.RuntimeInstance, id string) (driver.RuntimeInstance, bool) {
	for _, inst := range instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return driver.RuntimeInstance{}, false
}
