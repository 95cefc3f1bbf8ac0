// Package sandbox implements the user-facing sandbox lifecycle (C5): create,
// ensure_running, extend_ttl, stop, delete, list. Every state-mutating
// method follows the discipline spec §5 requires: acquire the per-sandbox
// process mutex, reload the row under a DB row lock, mutate, commit, release
// the mutex.
package sandbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/cargo"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/lock"
	"github.com/agentserver/bay/internal/metrics"
	"github.com/agentserver/bay/internal/profile"
	"github.com/agentserver/bay/internal/session"
)

// Status is the computed status exposed to callers (spec §3).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Sandbox is the manager's view of a sandbox row plus its computed status.
type Sandbox struct {
	ID               string
	Owner            string
	ProfileID        string
	CargoID          string
	CurrentSessionID string
	ExpiresAt        *time.Time
	IdleExpiresAt    *time.Time
	LastActiveAt     *time.Time
	CreatedAt        time.Time
	Status           Status
}

// Manager is the sandbox manager (C5).
type Manager struct {
	db       *db.DB
	locks    *lock.Registry
	cargo    *cargo.Manager
	sessions *session.Manager
	profiles profile.Store
}

// NewManager builds a sandbox manager.
func NewManager(database *db.DB, locks *lock.Registry, cargoMgr *cargo.Manager, sessionMgr *session.Manager, profiles profile.Store) *Manager {
	return &Manager{db: database, locks: locks, cargo: cargoMgr, sessions: sessionMgr, profiles: profiles}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// computeStatus derives status from the row plus, if a session is live,
// its observed_state (spec §3's "computed status" function).
func computeStatus(row *db.Sandbox, sess *db.Session) Status {
	if row.DeletedAt.Valid {
		return StatusExpired
	}
	if row.ExpiresAt.Valid && row.ExpiresAt.Time.Before(time.Now()) {
		return StatusExpired
	}
	if !row.CurrentSessionID.Valid || sess == nil {
		return StatusIdle
	}
	switch sess.ObservedState {
	case "running":
		return StatusReady
	case "starting", "pending":
		return StatusStarting
	case "failed":
		return StatusFailed
	default:
		return StatusIdle
	}
}

func (m *Manager) fromRow(row *db.Sandbox) (*Sandbox, error) {
	var sess *db.Session
	if row.CurrentSessionID.Valid {
		var err error
		sess, err = m.db.GetSession(row.CurrentSessionID.String)
		if err != nil {
			return nil, bayerr.Internal(err)
		}
	}
	return &Sandbox{
		ID:                row.ID,
		Owner:             row.Owner,
		ProfileID:         row.ProfileID,
		CargoID:           row.CargoID,
		CurrentSessionID:  row.CurrentSessionID.String,
		ExpiresAt:         nullTimePtr(row.ExpiresAt),
		IdleExpiresAt:     nullTimePtr(row.IdleExpiresAt),
		LastActiveAt:      nullTimePtr(row.LastActiveAt),
		CreatedAt:         row.CreatedAt,
		Status:            computeStatus(row, sess),
	}, nil
}

// Create provisions a new sandbox: validates the profile, either binds an
// existing external cargo (owner-checked) or creates a new managed one, and
// persists the row. idempotencyKey, if non-empty, makes repeat calls with
// the same key return the same sandbox (spec P5) with replayed=true;
// callers (the external idempotency-key store) are responsible for
// comparing request bodies and raising conflict when they differ.
func (m *Manager) Create(ctx context.Context, owner, profileID, cargoID string, ttlSeconds int, idempotencyKey string) (*Sandbox, bool, error) {
	if idempotencyKey != "" {
		existing, err := m.db.GetSandboxByIdempotencyKey(owner, idempotencyKey)
		if err != nil {
			return nil, false, bayerr.Internal(err)
		}
		if existing != nil {
			sb, err := m.fromRow(existing)
			return sb, true, err
		}
	}

	prof, err := m.profiles.Get(profileID)
	if err != nil {
		return nil, false, bayerr.Validation("profile %s not found", profileID)
	}

	id := uuid.NewString()

	var cargoRowID string
	if cargoID != "" {
		c, err := m.cargo.Get(ctx, cargoID, owner)
		if err != nil {
			return nil, false, err
		}
		if c == nil {
			return nil, false, bayerr.NotFound("cargo %s not found", cargoID)
		}
		cargoRowID = c.ID
	} else {
		c, err := m.cargo.Create(ctx, owner, true, id)
		if err != nil {
			return nil, false, err
		}
		cargoRowID = c.ID
	}

	var expiresAt *time.Time
	if ttlSeconds > 0 {
		t := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
		expiresAt = &t
	}

	if err := m.db.CreateSandbox(id, owner, prof.ID, cargoRowID, expiresAt, idempotencyKey); err != nil {
		return nil, false, bayerr.Internal(err)
	}

	row, err := m.db.GetSandboxByID(id)
	if err != nil {
		return nil, false, bayerr.Internal(err)
	}
	sb, err := m.fromRow(row)
	return sb, false, err
}

// Get enforces owner match and hides soft-deleted rows (I4).
func (m *Manager) Get(ctx context.Context, id, owner string) (*Sandbox, error) {
	row, err := m.db.GetSandbox(id, owner)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	if row == nil {
		return nil, nil
	}
	return m.fromRow(row)
}

// ListResult is one page of List.
type ListResult struct {
	Sandboxes []*Sandbox
	Cursor    string // empty if no more results
}

const (
	defaultListLimit = 50
	maxScanMultiple  = 20
	minScanCap       = 1000
)

// List paginates by ascending id. Status is computed, not stored, so when a
// status filter is given this scans bounded batches and filters in memory,
// capped at max(limit*20, 1000) rows scanned per call (spec §4.5).
func (m *Manager) List(ctx context.Context, owner string, statusFilter Status, limit int, cursor string) (*ListResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	scanCap := limit * maxScanMultiple
	if scanCap < minScanCap {
		scanCap = minScanCap
	}

	var out []*Sandbox
	afterID := cursor
	scanned := 0
	lastSeenID := cursor

	for len(out) < limit && scanned < scanCap {
		batchSize := limit - len(out)
		if remaining := scanCap - scanned; batchSize > remaining {
			batchSize = remaining
		}
		if batchSize <= 0 {
			break
		}
		rows, err := m.db.ListSandboxes(owner, afterID, batchSize)
		if err != nil {
			return nil, bayerr.Internal(err)
		}
		if len(rows) == 0 {
			return &ListResult{Sandboxes: out}, nil
		}
		for _, row := range rows {
			scanned++
			lastSeenID = row.ID
			sb, err := m.fromRow(row)
			if err != nil {
				return nil, err
			}
			if statusFilter == "" || sb.Status == statusFilter {
				out = append(out, sb)
				if len(out) >= limit {
					break
				}
			}
		}
		afterID = rows[len(rows)-1].ID
		if len(rows) < batchSize {
			// exhausted the table before filling a batch
			if len(out) < limit {
				return &ListResult{Sandboxes: out}, nil
			}
		}
	}

	if scanned >= scanCap && len(out) < limit {
		// Hit the scan cap before filling the page: return a continuation
		// cursor even though fewer than `limit` matched (spec §4.5).
		return &ListResult{Sandboxes: out, Cursor: lastSeenID}, nil
	}
	if len(out) == limit {
		return &ListResult{Sandboxes: out, Cursor: lastSeenID}, nil
	}
	return &ListResult{Sandboxes: out}, nil
}

// withLock runs fn holding the per-sandbox mutex, inside a fresh
// transaction that reloads the row with SELECT ... FOR UPDATE, then
// commits and releases the mutex. The manager never keeps an ambient
// transaction open, so there is none to roll back first. fn receives the
// tx and the row-locked sandbox row; returning an error rolls back.
func (m *Manager) withLock(id string, fn func(tx *sql.Tx, row *db.Sandbox) error) error {
	release := m.locks.Acquire(id)
	defer release()

	tx, err := m.db.Begin()
	if err != nil {
		return bayerr.Internal(err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	row, err := m.db.GetSandboxForUpdate(tx, id)
	if err != nil {
		return bayerr.Internal(err)
	}
	if row == nil {
		return bayerr.NotFound("sandbox %s not found", id)
	}

	if err := fn(tx, row); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return bayerr.Internal(err)
	}
	committed = true
	return nil
}

// EnsureRunning lazily materializes compute for a sandbox: under the
// sandbox lock it creates a session if none is live and refreshes
// idle_expires_at/last_active_at, then delegates to the session manager.
// The refresh is committed before the session manager runs, so it stays in
// place even when starting compute fails.
func (m *Manager) EnsureRunning(ctx context.Context, id, owner string) (*Sandbox, error) {
	prof, profErr := m.profileForOwnedSandbox(id, owner)
	if profErr != nil {
		return nil, profErr
	}

	var resultSessionID string
	err := m.withLock(id, func(tx *sql.Tx, row *db.Sandbox) error {
		if row.Owner != owner {
			return bayerr.NotFound("sandbox %s not found", id)
		}
		if row.DeletedAt.Valid {
			return bayerr.NotFound("sandbox %s not found", id)
		}
		if row.ExpiresAt.Valid && row.ExpiresAt.Time.Before(time.Now()) {
			return bayerr.SandboxExpired("sandbox %s has expired", id)
		}

		cargoRow, err := m.db.GetCargo(row.CargoID)
		if err != nil {
			return bayerr.Internal(err)
		}
		if cargoRow == nil {
			return bayerr.Internal(err)
		}

		var sessionID string
		if row.CurrentSessionID.Valid {
			sessionID = row.CurrentSessionID.String
		} else {
			newSess, err := m.sessions.Create(row.ID, row.ProfileID)
			if err != nil {
				return err
			}
			sessionID = newSess.ID
			if err := m.db.UpdateSandboxSession(tx, row.ID, sessionID); err != nil {
				return bayerr.Internal(err)
			}
			metrics.LiveSessions.Inc()
		}

		now := time.Now()
		idleExpiresAt := now.Add(prof.IdleTimeout)
		if err := m.db.TouchSandboxActivity(tx, row.ID, now, idleExpiresAt); err != nil {
			return bayerr.Internal(err)
		}
		resultSessionID = sessionID
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The driver call itself happens outside the DB critical section (it
	// may block for minutes); the session manager's own state transitions
	// are protected by its own per-session "starting" short-circuit, which
	// is what gives concurrent ensure_running callers a single forward
	// progression (spec P4) even though only session creation itself is
	// covered by the sandbox lock.
	sess, err := m.db.GetSession(resultSessionID)
	if err != nil {
		return nil, bayerr.Internal(err)
	}

	row, err := m.db.GetSandboxByID(id)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	cRow, err := m.db.GetCargo(row.CargoID)
	if err != nil {
		return nil, bayerr.Internal(err)
	}

	if _, err := m.sessions.EnsureRunning(ctx, sess, owner, cargo.VolumeNameFor(cRow.ID), prof); err != nil {
		return nil, err
	}

	final, err := m.db.GetSandboxByID(id)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	return m.fromRow(final)
}

func (m *Manager) profileForOwnedSandbox(id, owner string) (*profile.Profile, error) {
	row, err := m.db.GetSandbox(id, owner)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	if row == nil {
		return nil, bayerr.NotFound("sandbox %s not found", id)
	}
	prof, err := m.profiles.Get(row.ProfileID)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	return prof, nil
}

// ExtendTTL extends expires_at by extendBySeconds, using max(old, now) as
// the base so an already-lapsed-but-not-yet-GC'd expiry can't extend from a
// point in the past (spec §4.5). idempotencyKey, if non-empty and matching
// the key recorded on the sandbox's last extend, replays that prior result
// (replayed=true) instead of extending again.
func (m *Manager) ExtendTTL(id, owner string, extendBySeconds int, idempotencyKey string) (*Sandbox, bool, error) {
	if extendBySeconds <= 0 {
		return nil, false, bayerr.Validation("extend_by must be > 0")
	}

	var result *Sandbox
	var replayed bool
	err := m.withLock(id, func(tx *sql.Tx, row *db.Sandbox) error {
		if row.Owner != owner {
			return bayerr.NotFound("sandbox %s not found", id)
		}
		if row.DeletedAt.Valid {
			return bayerr.NotFound("sandbox %s not found", id)
		}
		if idempotencyKey != "" && row.ExtendIdempotencyKey.Valid && row.ExtendIdempotencyKey.String == idempotencyKey {
			replayed = true
			row.ExpiresAt = row.ExtendIdempotencyExpiresAt
			var err error
			result, err = m.fromRow(row)
			return err
		}
		if !row.ExpiresAt.Valid {
			return bayerr.SandboxTTLInfinite("sandbox %s has no TTL", id)
		}
		now := time.Now()
		if row.ExpiresAt.Time.Before(now) {
			return bayerr.SandboxExpired("sandbox %s has expired", id)
		}

		base := row.ExpiresAt.Time
		if now.After(base) {
			base = now
		}
		newExpiry := base.Add(time.Duration(extendBySeconds) * time.Second)
		if idempotencyKey != "" {
			if err := m.db.SetSandboxExpiresAtWithIdempotency(tx, id, newExpiry, idempotencyKey); err != nil {
				return bayerr.Internal(err)
			}
		} else if err := m.db.SetSandboxExpiresAt(tx, id, newExpiry); err != nil {
			return bayerr.Internal(err)
		}
		row.ExpiresAt = sql.NullTime{Time: newExpiry, Valid: true}
		var err error
		result, err = m.fromRow(row)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, replayed, nil
}

// Keepalive refreshes idle_expires_at/last_active_at without starting
// compute (spec §4.5).
func (m *Manager) Keepalive(id, owner string) error {
	prof, err := m.profileForOwnedSandbox(id, owner)
	if err != nil {
		return err
	}
	return m.withLock(id, func(tx *sql.Tx, row *db.Sandbox) error {
		if row.Owner != owner || row.DeletedAt.Valid {
			return bayerr.NotFound("sandbox %s not found", id)
		}
		now := time.Now()
		return m.db.TouchSandboxActivity(tx, id, now, now.Add(prof.IdleTimeout))
	})
}

// Stop destroys the live session (if any) and clears current_session_id.
// Idempotent: a no-op on an already-soft-deleted sandbox or one with no
// live session.
func (m *Manager) Stop(ctx context.Context, id, owner string) error {
	var sessToDestroy *db.Session
	err := m.withLock(id, func(tx *sql.Tx, row *db.Sandbox) error {
		if row.Owner != owner || row.DeletedAt.Valid {
			return nil
		}
		if !row.CurrentSessionID.Valid {
			return nil
		}
		sess, err := m.db.GetSessionTx(tx, row.CurrentSessionID.String)
		if err != nil {
			return bayerr.Internal(err)
		}
		sessToDestroy = sess
		if err := m.db.ClearSandboxSession(tx, id); err != nil {
			return bayerr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sessToDestroy != nil {
		if err := m.sessions.Destroy(ctx, sessToDestroy); err != nil {
			return err
		}
		metrics.LiveSessions.Dec()
	}
	return nil
}

// Delete destroys every live session, soft-deletes the sandbox row, and
// cascade-deletes the cargo synchronously if it was managed. Idempotent,
// and cleans up the per-sandbox lock entry afterward.
func (m *Manager) Delete(ctx context.Context, id, owner string) error {
	var liveSessions []*db.Session
	var cargoRow *db.Cargo
	err := m.withLock(id, func(tx *sql.Tx, row *db.Sandbox) error {
		if row.Owner != owner {
			return nil
		}
		if row.DeletedAt.Valid {
			return nil
		}

		sessions, err := m.db.ListLiveSessionsForSandbox(tx, id)
		if err != nil {
			return bayerr.Internal(err)
		}
		liveSessions = sessions

		c, err := m.db.GetCargo(row.CargoID)
		if err != nil {
			return bayerr.Internal(err)
		}
		cargoRow = c

		if err := m.db.SoftDeleteSandbox(tx, id, time.Now()); err != nil {
			return bayerr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sess := range liveSessions {
		if err := m.sessions.Destroy(ctx, sess); err != nil {
			return err
		}
		metrics.LiveSessions.Dec()
	}

	if cargoRow != nil && cargoRow.Managed {
		if err := m.cargo.Delete(ctx, cargoRow.ID, cargoRow.Owner, true); err != nil {
			return err
		}
	}

	return nil
}
