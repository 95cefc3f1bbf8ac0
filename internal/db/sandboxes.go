package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Sandbox is the row shape for the user's handle (spec §3). `status` is
// computed by the sandbox manager from this row plus the current session's
// observed_state, never stored directly.
type Sandbox struct {
	ID                         string
	Owner                      string
	ProfileID                  string
	CargoID                    string
	CurrentSessionID           sql.NullString
	ExpiresAt                  sql.NullTime
	IdleExpiresAt              sql.NullTime
	LastActiveAt               sql.NullTime
	CreatedAt                  time.Time
	DeletedAt                  sql.NullTime
	IdempotencyKey             sql.NullString
	ExtendIdempotencyKey       sql.NullString
	ExtendIdempotencyExpiresAt sql.NullTime
}

const sandboxColumns = `id, owner, profile_id, cargo_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at, idempotency_key, extend_idempotency_key, extend_idempotency_expires_at`

func scanSandbox(row interface{ Scan(...any) error }) (*Sandbox, error) {
	s := &Sandbox{}
	err := row.Scan(&s.ID, &s.Owner, &s.ProfileID, &s.CargoID, &s.CurrentSessionID,
		&s.ExpiresAt, &s.IdleExpiresAt, &s.LastActiveAt, &s.CreatedAt, &s.DeletedAt, &s.IdempotencyKey,
		&s.ExtendIdempotencyKey, &s.ExtendIdempotencyExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	return s, nil
}

func (db *DB) CreateSandbox(id, owner, profileID, cargoID string, expiresAt *time.Time, idempotencyKey string) error {
	var exp sql.NullTime
	if expiresAt != nil {
		exp = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO sandboxes (id, owner, profile_id, cargo_id, expires_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, owner, profileID, cargoID, exp, nullIfEmpty(idempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return nil
}

// GetSandboxByIdempotencyKey supports the create_sandbox idempotency law (P5):
// repeated create with the same key+owner returns the same row.
func (db *DB) GetSandboxByIdempotencyKey(owner, key string) (*Sandbox, error) {
	row := db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE owner = $1 AND idempotency_key = $2`, owner, key)
	return scanSandbox(row)
}

// GetSandbox enforces owner match and hides soft-deleted rows (I4).
func (db *DB) GetSandbox(id, owner string) (*Sandbox, error) {
	row := db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1 AND owner = $2 AND deleted_at IS NULL`, id, owner)
	return scanSandbox(row)
}

// GetSandboxByID looks up without an owner filter, for internal callers
// (GC, session manager) that already trust the id.
func (db *DB) GetSandboxByID(id string) (*Sandbox, error) {
	row := db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id)
	return scanSandbox(row)
}

// GetSandboxForUpdate reloads the row with SELECT ... FOR UPDATE inside tx,
// the outer DB-level fence that serializes mutation across Bay processes
// (the per-sandbox in-process mutex is the inner fence; see spec §5).
func (db *DB) GetSandboxForUpdate(tx *sql.Tx, id string) (*Sandbox, error) {
	row := tx.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1 FOR UPDATE`, id)
	return scanSandbox(row)
}

// ListSandboxes paginates by ascending id; status is computed by the
// caller per-row since it isn't stored.
func (db *DB) ListSandboxes(owner string, afterID string, limit int) ([]*Sandbox, error) {
	rows, err := db.Query(
		`SELECT `+sandboxColumns+` FROM sandboxes
		 WHERE owner = $1 AND deleted_at IS NULL AND id > $2
		 ORDER BY id ASC LIMIT $3`,
		owner, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListIdleExpired returns live-session sandboxes whose idle_expires_at has
// passed — IdleSessionGC's candidate set.
func (db *DB) ListIdleExpired(now time.Time) ([]*Sandbox, error) {
	rows, err := db.Query(
		`SELECT ` + sandboxColumns + ` FROM sandboxes
		 WHERE deleted_at IS NULL AND current_session_id IS NOT NULL
		   AND idle_expires_at IS NOT NULL AND idle_expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle expired: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListTTLExpired returns not-yet-deleted sandboxes whose expires_at has
// passed — ExpiredSandboxGC's candidate set.
func (db *DB) ListTTLExpired(now time.Time) ([]*Sandbox, error) {
	rows, err := db.Query(
		`SELECT ` + sandboxColumns + ` FROM sandboxes
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list ttl expired: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) UpdateSandboxSession(tx *sql.Tx, id string, sessionID string) error {
	_, err := tx.Exec(`UPDATE sandboxes SET current_session_id = $2 WHERE id = $1`, id, nullIfEmpty(sessionID))
	if err != nil {
		return fmt.Errorf("update sandbox session: %w", err)
	}
	return nil
}

func (db *DB) TouchSandboxActivity(tx *sql.Tx, id string, lastActiveAt, idleExpiresAt time.Time) error {
	_, err := tx.Exec(
		`UPDATE sandboxes SET last_active_at = $2, idle_expires_at = $3 WHERE id = $1`,
		id, lastActiveAt, idleExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("touch sandbox activity: %w", err)
	}
	return nil
}

func (db *DB) ClearSandboxSession(tx *sql.Tx, id string) error {
	_, err := tx.Exec(
		`UPDATE sandboxes SET current_session_id = NULL, idle_expires_at = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("clear sandbox session: %w", err)
	}
	return nil
}

func (db *DB) SetSandboxExpiresAt(tx *sql.Tx, id string, expiresAt time.Time) error {
	_, err := tx.Exec(`UPDATE sandboxes SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("extend sandbox ttl: %w", err)
	}
	return nil
}

// SetSandboxExpiresAtWithIdempotency extends expires_at and records the
// idempotency key plus the resulting expiry under it, so a repeated
// extend_ttl call with the same key can replay the exact prior result
// instead of recomputing (or double-extending) it.
func (db *DB) SetSandboxExpiresAtWithIdempotency(tx *sql.Tx, id string, expiresAt time.Time, idempotencyKey string) error {
	_, err := tx.Exec(
		`UPDATE sandboxes SET expires_at = $2, extend_idempotency_key = $3, extend_idempotency_expires_at = $2 WHERE id = $1`,
		id, expiresAt, nullIfEmpty(idempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("extend sandbox ttl: %w", err)
	}
	return nil
}

// SoftDeleteSandbox is idempotent: it only sets deleted_at if still null.
func (db *DB) SoftDeleteSandbox(tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.Exec(`UPDATE sandboxes SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete sandbox: %w", err)
	}
	return nil
}
