package database

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// initSchema creates the tables. The index is derived data, so a database
// written with another schema version is dropped and rebuilt.
func initSchema(db *sql.DB) error {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version != 0 {
		if err := dropTables(tx); err != nil {
			return fmt.Errorf("failed to drop tables: %w", err)
		}
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return tx.Commit()
}

func dropTables(tx *sql.Tx) error {
	for _, table := range []string{"variables", "profiles", "includes", "files"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}

func createTables(tx *sql.Tx) error {
	queries := []string{
		// Policy files
		// - path: cache path of the file
		// - last_modified: unix time of the indexed version
		// - file_exists: 0 for include targets that were never found
		`CREATE TABLE IF NOT EXISTS files (
            path TEXT PRIMARY KEY,
            last_modified INTEGER NOT NULL,
            file_exists INTEGER NOT NULL DEFAULT 1
        )`,

		// Include statements, one row per included file.
		// Targets are created as non-existing files when unknown.
		`CREATE TABLE IF NOT EXISTS includes (
            source_path TEXT NOT NULL,
            target_path TEXT NOT NULL,
            optional INTEGER NOT NULL DEFAULT 0,
            FOREIGN KEY (source_path) REFERENCES files(path) ON DELETE CASCADE,
            FOREIGN KEY (target_path) REFERENCES files(path) ON DELETE CASCADE,
            PRIMARY KEY (source_path, target_path)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_includes_target
            ON includes(target_path)`,

		// Profiles and hats with the line of their header
		`CREATE TABLE IF NOT EXISTS profiles (
            name TEXT NOT NULL,
            path TEXT NOT NULL,
            attachment TEXT NOT NULL DEFAULT '',
            hat INTEGER NOT NULL DEFAULT 0,
            line INTEGER NOT NULL,
            FOREIGN KEY (path) REFERENCES files(path) ON DELETE CASCADE
        )`,

		`CREATE INDEX IF NOT EXISTS idx_profiles_name
            ON profiles(name)`,

		// Variables assigned with = or +=
		`CREATE TABLE IF NOT EXISTS variables (
            name TEXT NOT NULL,
            path TEXT NOT NULL,
            line INTEGER NOT NULL,
            FOREIGN KEY (path) REFERENCES files(path) ON DELETE CASCADE
        )`,
	}

	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}

	return nil
}
