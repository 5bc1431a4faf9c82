package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all schema migrations in order.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Monitored applications
			CREATE TABLE IF NOT EXISTS apps (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				repo_owner TEXT NOT NULL,
				repo_name TEXT NOT NULL,
				default_branch TEXT NOT NULL DEFAULT 'main',
				webhook_key TEXT UNIQUE NOT NULL,
				stage TEXT NOT NULL DEFAULT 'pending',
				setup_pr INTEGER,
				setup_pr_url TEXT,
				live_url TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);

			-- Deduplicated error incidents
			CREATE TABLE IF NOT EXISTS incidents (
				id TEXT PRIMARY KEY,
				app_id TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				kind TEXT NOT NULL,
				source TEXT NOT NULL,
				message TEXT NOT NULL,
				stack_trace TEXT,
				logs TEXT,
				status TEXT NOT NULL DEFAULT 'open',
				occurrences INTEGER NOT NULL DEFAULT 1,
				last_seen_at DATETIME NOT NULL,
				last_error_kind TEXT,
				last_error_detail TEXT,
				resolved_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
			);

			-- One live incident per defect: repeats must merge, not fork.
			-- Resolved rows fall out of the index so a regression after
			-- resolve opens a fresh incident.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_live_fingerprint
				ON incidents(app_id, fingerprint) WHERE status != 'resolved';

			CREATE INDEX IF NOT EXISTS idx_incidents_app ON incidents(app_id);
			CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

			-- Root-cause analysis runs
			CREATE TABLE IF NOT EXISTS analyses (
				id TEXT PRIMARY KEY,
				incident_id TEXT NOT NULL,
				model TEXT NOT NULL,
				root_cause TEXT,
				fix_summary TEXT,
				files_examined TEXT NOT NULL DEFAULT '[]',
				commits_examined TEXT NOT NULL DEFAULT '[]',
				suspect_commit TEXT,
				branch TEXT,
				pr_number INTEGER,
				pr_url TEXT,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				inconclusive INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_analyses_incident ON analyses(incident_id);
		`,
	},
}

// runMigrations applies any migrations newer than the recorded schema version.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
