package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a forward-only schema change
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

// Migrator applies pending migrations in version order
type Migrator struct {
	db         *Database
	migrations []Migration
}

// NewMigrator creates a migrator with the built-in migrations
func NewMigrator(db *Database) *Migrator {
	return &Migrator{db: db, migrations: migrations()}
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "detection event log",
			Up: execAll(`
			CREATE TABLE IF NOT EXISTS detection_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				detection_type TEXT NOT NULL CHECK (detection_type IN ('fire', 'smoke', 'both')),
				confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 100),
				source_reference TEXT,
				occurred_at INTEGER NOT NULL, -- unix nanoseconds
				alert_sent INTEGER NOT NULL DEFAULT 0
			)`,
				`CREATE INDEX IF NOT EXISTS idx_detection_events_occurred ON detection_events(occurred_at DESC, id DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_detection_events_type ON detection_events(detection_type, occurred_at DESC)`,
			),
		},
		{
			Version:     2,
			Description: "make detection events append-only",
			Up: execAll(`
			CREATE TRIGGER IF NOT EXISTS detection_events_no_update
			BEFORE UPDATE ON detection_events
			BEGIN
				SELECT RAISE(ABORT, 'detection events are append-only');
			END`,
				`
			CREATE TRIGGER IF NOT EXISTS detection_events_no_delete
			BEFORE DELETE ON detection_events
			BEGIN
				SELECT RAISE(ABORT, 'detection events are append-only');
			END`,
			),
		},
	}
}

func execAll(stmts ...string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.writer.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	return err
}

// CurrentVersion returns the highest applied migration version
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	var version sql.NullInt64
	if err := m.db.writer.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return int(version.Int64), nil
}

// Up applies every migration newer than the current version, each in its
// own transaction
func (m *Migrator) Up(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		err := m.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Description, time.Now().Unix(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", mig.Version, err)
		}
	}
	return nil
}
