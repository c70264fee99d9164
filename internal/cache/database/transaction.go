package database

import (
	"database/sql"
	"fmt"
)

type SQLiteTx struct {
	tx *sql.Tx
}

func (tx *SQLiteTx) UpsertFile(file *FileRecord) error {
	_, err := tx.tx.Exec(`
        INSERT INTO files (path, last_modified, file_exists)
        VALUES (?, ?, 1)
        ON CONFLICT(path) DO UPDATE SET
            last_modified = excluded.last_modified,
            file_exists = 1
    `, file.Path, file.LastModified)

	if err != nil {
		return fmt.Errorf("failed to upsert file in transaction: %w", err)
	}

	return nil
}

// DeleteFile removes a file with its definitions and includes. A file
// that is still included elsewhere is kept as non-existing.
func (tx *SQLiteTx) DeleteFile(path string) error {
	var included int
	err := tx.tx.QueryRow(
		"SELECT COUNT(*) FROM includes WHERE target_path = ? AND source_path != ?",
		path, path,
	).Scan(&included)
	if err != nil {
		return fmt.Errorf("failed to count includers: %w", err)
	}

	if included == 0 {
		result, err := tx.tx.Exec("DELETE FROM files WHERE path = ?", path)
		if err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	}

	for _, q := range []string{
		"DELETE FROM includes WHERE source_path = ?",
		"DELETE FROM profiles WHERE path = ?",
		"DELETE FROM variables WHERE path = ?",
		"UPDATE files SET file_exists = 0 WHERE path = ?",
	} {
		if _, err := tx.tx.Exec(q, path); err != nil {
			return fmt.Errorf("failed to mark file as missing: %w", err)
		}
	}
	return nil
}

func (tx *SQLiteTx) UpsertIncludes(sourcePath string, includes []IncludeRecord) error {
	// Delete existing includes
	_, err := tx.tx.Exec("DELETE FROM includes WHERE source_path = ?", sourcePath)
	if err != nil {
		return fmt.Errorf("failed to delete existing includes: %w", err)
	}

	if len(includes) == 0 {
		return nil
	}

	if err := tx.ensureFile(sourcePath); err != nil {
		return fmt.Errorf("failed to ensure source file exists: %w", err)
	}

	stmt, err := tx.tx.Prepare(`
        INSERT INTO includes (source_path, target_path, optional) VALUES (?, ?, ?)
        ON CONFLICT(source_path, target_path) DO UPDATE SET
            optional = optional AND excluded.optional
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare include insert statement: %w", err)
	}
	defer stmt.Close()

	for _, inc := range includes {
		if inc.SourcePath != "" && inc.SourcePath != sourcePath {
			return fmt.Errorf("%w: include from %s listed for %s", ErrConstraintViolation, inc.SourcePath, sourcePath)
		}
		if err := tx.ensureFile(inc.TargetPath); err != nil {
			return fmt.Errorf("failed to ensure target file exists: %w", err)
		}
		if _, err := stmt.Exec(sourcePath, inc.TargetPath, inc.Optional); err != nil {
			return fmt.Errorf("failed to insert include: %w", err)
		}
	}

	return nil
}

// ensureFile adds path as a non-existing file unless it is known.
func (tx *SQLiteTx) ensureFile(path string) error {
	_, err := tx.tx.Exec(`
        INSERT INTO files (path, last_modified, file_exists)
        VALUES (?, 0, 0)
        ON CONFLICT(path) DO NOTHING
    `, path)
	return err
}

func (tx *SQLiteTx) ReplaceProfiles(path string, profiles []ProfileRecord) error {
	if _, err := tx.tx.Exec("DELETE FROM profiles WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil
	}
	if err := tx.ensureFile(path); err != nil {
		return fmt.Errorf("failed to ensure file exists: %w", err)
	}

	stmt, err := tx.tx.Prepare(
		"INSERT INTO profiles (name, path, attachment, hat, line) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare profile insert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range profiles {
		if _, err := stmt.Exec(p.Name, path, p.Attachment, p.Hat, p.Line); err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
	}
	return nil
}

func (tx *SQLiteTx) ReplaceVariables(path string, variables []VariableRecord) error {
	if _, err := tx.tx.Exec("DELETE FROM variables WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete variables: %w", err)
	}
	if len(variables) == 0 {
		return nil
	}
	if err := tx.ensureFile(path); err != nil {
		return fmt.Errorf("failed to ensure file exists: %w", err)
	}

	stmt, err := tx.tx.Prepare("INSERT INTO variables (name, path, line) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare variable insert statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range variables {
		if _, err := stmt.Exec(v.Name, path, v.Line); err != nil {
			return fmt.Errorf("failed to insert variable: %w", err)
		}
	}
	return nil
}
