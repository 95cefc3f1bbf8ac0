package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ContainerDescriptor mirrors one entry of a session's `containers` JSON
// column (spec §3) — null/absent for the single-container path.
type ContainerDescriptor struct {
	Name         string   `json:"name"`
	ContainerID  string   `json:"container_id"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
	Status       string   `json:"status"`
}

// Session is the row shape for one instantiation of compute for a sandbox.
type Session struct {
	ID             string
	SandboxID      string
	ProfileID      string
	DesiredState   string
	ObservedState  string
	ContainerID    sql.NullString
	Endpoint       sql.NullString
	Containers     []ContainerDescriptor
	CreatedAt      time.Time
	LastActiveAt   sql.NullTime
	LastObservedAt sql.NullTime
}

const sessionColumns = `id, sandbox_id, profile_id, desired_state, observed_state, container_id, endpoint, containers, created_at, last_active_at, last_observed_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	var containersJSON []byte
	err := row.Scan(&s.ID, &s.SandboxID, &s.ProfileID, &s.DesiredState, &s.ObservedState,
		&s.ContainerID, &s.Endpoint, &containersJSON, &s.CreatedAt, &s.LastActiveAt, &s.LastObservedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(containersJSON) > 0 {
		if err := json.Unmarshal(containersJSON, &s.Containers); err != nil {
			return nil, fmt.Errorf("unmarshal containers: %w", err)
		}
	}
	return s, nil
}

func (db *DB) CreateSession(tx *sql.Tx, id, sandboxID, profileID string) error {
	_, err := tx.Exec(
		`INSERT INTO sessions (id, sandbox_id, profile_id, desired_state, observed_state)
		 VALUES ($1, $2, $3, 'pending', 'pending')`,
		id, sandboxID, profileID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (db *DB) GetSessionTx(tx *sql.Tx, id string) (*Session, error) {
	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// UpdateSessionState persists desired/observed state plus the primary
// container_id/endpoint and the full container descriptor list in one call,
// so a single commit captures a full ensure_running transition.
func (db *DB) UpdateSessionState(tx *sql.Tx, id, desiredState, observedState, containerID, endpoint string, containers []ContainerDescriptor, observedAt time.Time) error {
	var containersJSON []byte
	if containers != nil {
		var err error
		containersJSON, err = json.Marshal(containers)
		if err != nil {
			return fmt.Errorf("marshal containers: %w", err)
		}
	}
	_, err := tx.Exec(
		`UPDATE sessions
		 SET desired_state = $2, observed_state = $3, container_id = $4, endpoint = $5,
		     containers = $6, last_observed_at = $7
		 WHERE id = $1`,
		id, desiredState, observedState, nullIfEmpty(containerID), nullIfEmpty(endpoint), containersJSON, observedAt,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

func (db *DB) TouchSessionActivity(tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.Exec(`UPDATE sessions SET last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch session activity: %w", err)
	}
	return nil
}

// ListLiveSessionsForSandbox returns sessions for sandboxID that are not
// already stopped, used by delete/stop to destroy every live session.
func (db *DB) ListLiveSessionsForSandbox(tx *sql.Tx, sandboxID string) ([]*Session, error) {
	rows, err := tx.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE sandbox_id = $1 AND desired_state != 'stopped'`,
		sandboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListLiveContainerIDs returns every container id referenced by a
// non-terminal session — the primary container_id plus every multi-
// container descriptor's id — used by OrphanContainerGC to cross-reference
// driver-reported instances against live sessions.
func (db *DB) ListLiveContainerIDs() (map[string]bool, error) {
	rows, err := db.Query(
		`SELECT container_id, containers FROM sessions WHERE observed_state NOT IN ('stopped', 'failed')`,
	)
	if err != nil {
		return nil, fmt.Errorf("list live container ids: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var containerID sql.NullString
		var containersJSON []byte
		if err := rows.Scan(&containerID, &containersJSON); err != nil {
			return nil, fmt.Errorf("scan live container id: %w", err)
		}
		if containerID.Valid {
			out[containerID.String] = true
		}
		if len(containersJSON) > 0 {
			var descs []ContainerDescriptor
			if err := json.Unmarshal(containersJSON, &descs); err != nil {
				return nil, fmt.Errorf("unmarshal containers: %w", err)
			}
			for _, d := range descs {
				if d.ContainerID != "" {
					out[d.ContainerID] = true
				}
			}
		}
	}
	return out, rows.Err()
}

func (db *DB) DeleteSession(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
