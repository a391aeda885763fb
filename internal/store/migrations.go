package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *SQLiteStore) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE items (
					project TEXT NOT NULL,
					item_id TEXT NOT NULL,
					files TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY(project, item_id)
				);

				CREATE TABLE site_states (
					project TEXT NOT NULL,
					item_id TEXT NOT NULL,
					site TEXT NOT NULL,
					status INTEGER NOT NULL,
					priority INTEGER NOT NULL DEFAULT 50,
					files TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY(project, item_id, site)
				);

				CREATE INDEX idx_site_states_lookup ON site_states(project, site, status);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE cycle_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					cycle_id TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					projects INTEGER DEFAULT 0,
					uploads INTEGER DEFAULT 0,
					downloads INTEGER DEFAULT 0,
					succeeded INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					resumable INTEGER DEFAULT 0,
					status TEXT DEFAULT 'success',
					error_message TEXT
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *SQLiteStore) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
