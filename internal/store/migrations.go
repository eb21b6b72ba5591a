package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Attestation journal",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Record client certificate subjects",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS attestations (
    id              TEXT PRIMARY KEY,
    peer            TEXT NOT NULL,
    started_ns      INTEGER NOT NULL,
    duration_ns     INTEGER NOT NULL,
    verdict         TEXT NOT NULL CHECK (verdict IN ('accepted', 'rejected', 'error')),
    error_kind      TEXT,
    error_phase     TEXT,
    error_message   TEXT,
    final_state     TEXT NOT NULL,
    transcript      BLOB
);

CREATE INDEX IF NOT EXISTS idx_attestations_started ON attestations(started_ns);
CREATE INDEX IF NOT EXISTS idx_attestations_verdict ON attestations(verdict, started_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_attestations_verdict;
DROP INDEX IF EXISTS idx_attestations_started;
DROP TABLE IF EXISTS attestations;
`

const migrationV2Up = `
ALTER TABLE attestations ADD COLUMN client_subject TEXT NOT NULL DEFAULT '';
`

const migrationV2Down = `
ALTER TABLE attestations DROP COLUMN client_subject;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	return currentVersion(s.db)
}

// LatestSchemaVersion is the version MigrateDB brings a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}
