// Package cargo manages the persistent workspace volumes backing sandboxes:
// create/delete/lookup, and the managed-vs-external distinction (spec §4.4).
package cargo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/driver"
)

// Cargo is the manager's view of a workspace volume.
type Cargo struct {
	ID                 string
	Owner              string
	DriverRef          string
	Managed            bool
	ManagedBySandboxID string
}

func fromRow(row *db.Cargo) *Cargo {
	return &Cargo{
		ID:                 row.ID,
		Owner:              row.Owner,
		DriverRef:          row.DriverRef,
		Managed:            row.Managed,
		ManagedBySandboxID: row.ManagedBySandboxID.String,
	}
}

// VolumeNameFor is the deterministic, known-prefix convention the GC and
// tests rely on (spec §4.4).
func VolumeNameFor(cargoID string) string {
	return "bay-cargo-" + cargoID
}

// Manager is the cargo (workspace) manager.
type Manager struct {
	db     *db.DB
	driver driver.Driver
}

func NewManager(database *db.DB, drv driver.Driver) *Manager {
	return &Manager{db: database, driver: drv}
}

// Create allocates a new cargo id, builds its labels, provisions the
// underlying volume/PVC, and commits the row. managedBySandboxID is empty
// for an externally-owned cargo.
func (m *Manager) Create(ctx context.Context, owner string, managed bool, managedBySandboxID string) (*Cargo, error) {
	id := uuid.NewString()
	ref := VolumeNameFor(id)

	labels := driver.Labels{
		Owner:   owner,
		CargoID: id,
	}
	if managed {
		labels.SandboxID = managedBySandboxID
	}

	if _, err := m.driver.CreateVolume(ctx, ref, labels); err != nil {
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	if err := m.db.CreateCargo(id, owner, ref, managed, managedBySandboxID); err != nil {
		_ = m.driver.DeleteVolume(ctx, ref)
		return nil, bayerr.Internal(err)
	}

	return &Cargo{ID: id, Owner: owner, DriverRef: ref, Managed: managed, ManagedBySandboxID: managedBySandboxID}, nil
}

// Delete removes the cargo's volume and row. A managed cargo refuses unless
// force is set, matching spec §4.4's "refuse unless force" rule — callers
// that own the cascading sandbox-delete path pass force=true.
func (m *Manager) Delete(ctx context.Context, id, owner string, force bool) error {
	row, err := m.db.GetCargo(id)
	if err != nil {
		return bayerr.Internal(err)
	}
	if row == nil {
		return bayerr.NotFound("cargo %s not found", id)
	}
	if row.Owner != owner {
		return bayerr.NotFound("cargo %s not found", id)
	}
	if row.Managed && !force {
		return bayerr.Conflict("cargo %s is managed; delete its owning sandbox instead", id)
	}

	if err := m.driver.DeleteVolume(ctx, row.DriverRef); err != nil {
		return bayerr.Driver(m.driver.Kind(), err)
	}
	if err := m.db.DeleteCargo(id); err != nil {
		return bayerr.Internal(err)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, id, owner string) (*Cargo, error) {
	row, err := m.db.GetCargoByIDForOwner(id, owner)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	if row == nil || row.DeletedAt.Valid {
		return nil, nil
	}
	return fromRow(row), nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Cargo, error) {
	row, err := m.db.GetCargo(id)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	if row == nil {
		return nil, nil
	}
	return fromRow(row), nil
}

// List paginates by ascending id, consistent with the sandbox manager's
// cursor convention.
func (m *Manager) List(ctx context.Context, owner, cursor string, limit int) ([]*Cargo, error) {
	rows, err := m.db.ListCargo(owner, cursor, limit)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	out := make([]*Cargo, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// ListOrphaned returns managed cargo whose owning sandbox is gone and which
// is older than graceDuration — OrphanWorkspaceGC's candidate set.
func (m *Manager) ListOrphaned(ctx context.Context, graceDuration time.Duration) ([]*Cargo, error) {
	rows, err := m.db.ListOrphanManagedCargo(time.Now().Add(-graceDuration))
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	out := make([]*Cargo, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// DeleteOrphaned force-deletes one orphaned cargo's volume and row,
// swallowing not-found at the driver layer, idempotent across retries.
func (m *Manager) DeleteOrphaned(ctx context.Context, c *Cargo) error {
	if err := m.driver.DeleteVolume(ctx, c.DriverRef); err != nil {
		return fmt.Errorf("delete orphaned cargo volume %s: %w", c.DriverRef, err)
	}
	if err := m.db.DeleteCargo(c.ID); err != nil {
		return fmt.Errorf("delete orphaned cargo row %s: %w", c.ID, err)
	}
	return nil
}
