package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward-only schema change, identified by a unique,
// human-readable Version string recorded once it has been applied.
type Migration struct {
	Version string
	Up      func(ctx context.Context, db *sql.DB) error
}

// Migrator applies a list of Migrations in order, skipping any whose
// Version is already recorded in the migrations table. The table
// constructors in the storage packages do not use it; they create their
// schema with CREATE TABLE IF NOT EXISTS directly.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

const migrationsSchema = `
CREATE TABLE IF NOT EXISTS migrations (
	version TEXT PRIMARY KEY,
	applied_at BIGINT NOT NULL
);
`

// Up applies every not-yet-applied migration, in the order they were
// added. Each migration runs directly against db, not inside a
// transaction: one that fails part-way is neither rolled back nor
// recorded.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsSchema); err != nil {
		return fmt.Errorf("sqlutil: create migrations table: %w", err)
	}
	for _, mig := range m.migrations {
		applied, err := m.isApplied(ctx, mig.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := mig.Up(ctx, m.db); err != nil {
			return fmt.Errorf("sqlutil: migration %q: %w", mig.Version, err)
		}
		if _, err := m.db.ExecContext(ctx,
			"INSERT INTO migrations (version, applied_at) VALUES ($1, $2)",
			mig.Version, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("sqlutil: record migration %q: %w", mig.Version, err)
		}
	}
	return nil
}

func (m *Migrator) isApplied(ctx context.Context, version string) (bool, error) {
	var v string
	err := m.db.QueryRowContext(ctx, "SELECT version FROM migrations WHERE version = $1", version).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlutil: check migration %q: %w", version, err)
	}
	return true, nil
}
