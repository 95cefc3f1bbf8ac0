// Package db is Bay's persistence layer: raw database/sql over lib/pq, with
// embedded migrations and the three core tables (sandboxes, cargo, sessions).
// No ORM — every query is hand-written SQL with positional parameters.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"hash/fnv"
	"log"
	"sort"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockName keys the pg_advisory_lock migrate() holds for the
// duration of the run. Several Bay processes may point at the same
// database on boot (spec §4.6's "many Bay instances may share one
// cluster"); the lock keeps them from racing each other's schema changes
// instead of relying on CREATE TABLE IF NOT EXISTS alone.
const migrationLockName = "bay:schema_migrations"

// DB wraps a *sql.DB with migration support.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL and runs migrations.
func Open(databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	database := &DB{DB: sqlDB}
	if err := database.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return database, nil
}

// advisoryLockKey turns a fixed name into the bigint pg_advisory_lock wants.
func advisoryLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// migrate applies every embedded migration not yet recorded in
// schema_migrations, in ascending filename order. The whole run happens on
// one held connection under a session-level pg_advisory_lock, so if two
// Bay processes start against the same database at once, the second
// blocks until the first finishes rather than racing its DDL.
func (db *DB) migrate() error {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockKey := advisoryLockKey(migrationLockName)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			log.Printf("bay db: release migration lock: %v", err)
		}
	}()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		var exists bool
		row := conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name)
		if err := row.Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Printf("bay db: applied migration %s", name)
	}

	return nil
}

// nullIfEmpty converts an empty string to SQL NULL, used for optional
// text columns following the teacher's convention.
func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Callers that need a row lock held across several
// statements (sandbox manager's critical section) use Begin/Commit directly
// instead; this is for the common single-commit case.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
