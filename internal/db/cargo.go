package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Cargo is the row shape for the persistent workspace volume backing a
// sandbox (spec: managed cargo cascade-deletes with its sandbox; external
// cargo survives).
type Cargo struct {
	ID                 string
	Owner              string
	DriverRef          string
	Managed            bool
	ManagedBySandboxID sql.NullString
	CreatedAt          time.Time
	DeletedAt          sql.NullTime
}

func (db *DB) CreateCargo(id, owner, driverRef string, managed bool, managedBySandboxID string) error {
	_, err := db.Exec(
		`INSERT INTO cargo (id, owner, driver_ref, managed, managed_by_sandbox_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, owner, driverRef, managed, nullIfEmpty(managedBySandboxID),
	)
	if err != nil {
		return fmt.Errorf("create cargo: %w", err)
	}
	return nil
}

func scanCargo(row interface{ Scan(...any) error }) (*Cargo, error) {
	c := &Cargo{}
	err := row.Scan(&c.ID, &c.Owner, &c.DriverRef, &c.Managed, &c.ManagedBySandboxID, &c.CreatedAt, &c.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cargo: %w", err)
	}
	return c, nil
}

const cargoColumns = `id, owner, driver_ref, managed, managed_by_sandbox_id, created_at, deleted_at`

func (db *DB) GetCargo(id string) (*Cargo, error) {
	row := db.QueryRow(`SELECT `+cargoColumns+` FROM cargo WHERE id = $1`, id)
	return scanCargo(row)
}

// GetCargoByIDForOwner enforces owner match, used when a caller supplies an
// external cargo_id on sandbox creation.
func (db *DB) GetCargoByIDForOwner(id, owner string) (*Cargo, error) {
	row := db.QueryRow(`SELECT `+cargoColumns+` FROM cargo WHERE id = $1 AND owner = $2`, id, owner)
	return scanCargo(row)
}

// ListCargo paginates by ascending id, matching the sandbox list convention.
func (db *DB) ListCargo(owner string, afterID string, limit int) ([]*Cargo, error) {
	rows, err := db.Query(
		`SELECT `+cargoColumns+` FROM cargo
		 WHERE owner = $1 AND deleted_at IS NULL AND id > $2
		 ORDER BY id ASC LIMIT $3`,
		owner, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cargo: %w", err)
	}
	defer rows.Close()

	var out []*Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListOrphanManagedCargo returns managed cargo rows with no owning sandbox,
// older than cutoff — the OrphanWorkspaceGC candidate set.
func (db *DB) ListOrphanManagedCargo(cutoff time.Time) ([]*Cargo, error) {
	rows, err := db.Query(
		`SELECT `+cargoColumns+` FROM cargo
		 WHERE managed = true AND managed_by_sandbox_id IS NULL
		   AND deleted_at IS NULL AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphan cargo: %w", err)
	}
	defer rows.Close()

	var out []*Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) DeleteCargo(id string) error {
	_, err := db.Exec(`DELETE FROM cargo WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cargo: %w", err)
	}
	return nil
}
