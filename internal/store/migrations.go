package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaStep is one forward-only schema change. Steps are applied in order,
// each in its own transaction, and recorded in schema_migrations.
type schemaStep struct {
	version int
	name    string
	sql     string
}

var schemaSteps = []schemaStep{
	{1, "documents", `
CREATE TABLE IF NOT EXISTS documents (
    name        TEXT PRIMARY KEY,
    body        TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);`},
	{2, "document history", `
CREATE TABLE IF NOT EXISTS document_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    body        TEXT NOT NULL,
    replaced_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_name ON document_history(name, replaced_at);`},
}

// LatestSchema is the schema version a freshly opened store reaches.
var LatestSchema = schemaSteps[len(schemaSteps)-1].version

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > LatestSchema {
		return fmt.Errorf("database schema %d is newer than this build (%d)", current, LatestSchema)
	}

	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", step.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step.sql); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", step.version, step.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		step.version, time.Now().UnixNano(), step.name,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", step.version, err)
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}
