package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	breaking    bool // breaking migrations clear derived data and force reindexing
	apply       func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema (applied via schemaSQL)",
		apply:       func(tx *sql.Tx) error { return nil }, // base schema applied separately
	},
	{
		version:     2,
		description: "evidence-grounded graph records; clear pre-evidence extractions",
		breaking:    true,
		apply: func(tx *sql.Tx) error {
			// Graph records written before evidence grounding carry no
			// provenance and cannot be validated retroactively. Drop them;
			// the next extraction run rebuilds from the watermark reset.
			for _, stmt := range []string{
				"DELETE FROM entities",
				"DELETE FROM aliases",
				"DELETE FROM relationships",
				"DELETE FROM timeline_events",
				"DELETE FROM claims",
				"DELETE FROM extraction_cache",
				"UPDATE extraction_state SET last_analyzed_page = -1, pending_from_page = NULL, pending_to_page = NULL, last_error = NULL",
			} {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Migrate runs all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	// Ensure the schema_version table exists.
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	// Get current version.
	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	// A freshly created database is already at the latest schema; record
	// all versions without replaying clears.
	fresh := current == 0
	if fresh {
		var books int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM books").Scan(&books); err == nil && books == 0 {
			for _, m := range migrations {
				if _, err := s.db.ExecContext(ctx,
					"INSERT INTO schema_version (version, description) VALUES (?, ?)",
					m.version, m.description); err != nil {
					return fmt.Errorf("recording baseline version %d: %w", m.version, err)
				}
			}
			return nil
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration",
			"version", m.version, "description", m.description, "breaking", m.breaking)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}
