package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDB struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Database = (*SQLiteDB)(nil)

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	// Pragmas go into the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// conn returns the handle, or ErrDatabaseClosed. Callers hold db.mu for reading.
func (db *SQLiteDB) conn() (*sql.DB, error) {
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	return db.db, nil
}

func (db *SQLiteDB) WithTx(fn func(Transaction) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return err
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteTx{tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	return nil
}

func (db *SQLiteDB) GetFile(path string) (*FileRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	var record FileRecord
	err = conn.QueryRow(
		"SELECT path, last_modified, file_exists FROM files WHERE path = ?",
		path,
	).Scan(&record.Path, &record.LastModified, &record.Exists)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	return &record, nil
}

func (db *SQLiteDB) GetAllFiles() ([]FileRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query("SELECT path, last_modified, file_exists FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var record FileRecord
		if err := rows.Scan(&record.Path, &record.LastModified, &record.Exists); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}

	return records, nil
}

func (db *SQLiteDB) UpsertFile(file *FileRecord) error {
	return db.WithTx(func(tx Transaction) error {
		return tx.UpsertFile(file)
	})
}

func (db *SQLiteDB) DeleteFile(path string) error {
	return db.WithTx(func(tx Transaction) error {
		return tx.DeleteFile(path)
	})
}

func (db *SQLiteDB) GetIncludes(sourcePath string) ([]IncludeRecord, error) {
	return db.queryIncludes(`
        SELECT source_path, target_path, optional
        FROM includes
        WHERE source_path = ?
        ORDER BY target_path
    `, sourcePath)
}

func (db *SQLiteDB) GetIncluders(targetPath string) ([]IncludeRecord, error) {
	return db.queryIncludes(`
        SELECT source_path, target_path, optional
        FROM includes
        WHERE target_path = ?
        ORDER BY source_path
    `, targetPath)
}

func (db *SQLiteDB) queryIncludes(query string, arg string) ([]IncludeRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query includes: %w", err)
	}
	defer rows.Close()

	var records []IncludeRecord
	for rows.Next() {
		var record IncludeRecord
		if err := rows.Scan(&record.SourcePath, &record.TargetPath, &record.Optional); err != nil {
			return nil, fmt.Errorf("failed to scan include record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating include records: %w", err)
	}
	return records, nil
}

func (db *SQLiteDB) UpsertIncludes(sourcePath string, includes []IncludeRecord) error {
	return db.WithTx(func(tx Transaction) error {
		return tx.UpsertIncludes(sourcePath, includes)
	})
}

// FindProfiles returns the profiles whose name contains pattern.
func (db *SQLiteDB) FindProfiles(pattern string) ([]ProfileRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
	rows, err := conn.Query(`
        SELECT name, path, attachment, hat, line
        FROM profiles
        WHERE name LIKE ? ESCAPE '\'
        ORDER BY name, path, line
    `, "%"+escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var records []ProfileRecord
	for rows.Next() {
		var r ProfileRecord
		if err := rows.Scan(&r.Name, &r.Path, &r.Attachment, &r.Hat, &r.Line); err != nil {
			return nil, fmt.Errorf("failed to scan profile record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile records: %w", err)
	}
	return records, nil
}

func (db *SQLiteDB) GetVariables(path string) ([]VariableRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(`
        SELECT name, path, line
        FROM variables
        WHERE path = ?
        ORDER BY line, name
    `, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer rows.Close()

	var records []VariableRecord
	for rows.Next() {
		var r VariableRecord
		if err := rows.Scan(&r.Name, &r.Path, &r.Line); err != nil {
			return nil, fmt.Errorf("failed to scan variable record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variable records: %w", err)
	}
	return records, nil
}

func (db *SQLiteDB) Clear() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn, err := db.conn()
	if err != nil {
		return err
	}

	_, err = conn.Exec(`
        DELETE FROM variables;
        DELETE FROM profiles;
        DELETE FROM includes;
        DELETE FROM files;
    `)
	if err != nil {
		return fmt.Errorf("failed to clear database: %w", err)
	}
	return nil
}

// Close drops include targets nothing refers to and closes the database.
func (db *SQLiteDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true

	if _, err := db.db.Exec(`
        DELETE FROM files
        WHERE file_exists = 0
        AND path NOT IN (SELECT target_path FROM includes)
    `); err != nil {
		db.db.Close()
		return fmt.Errorf("failed to clean up non-existent files: %w", err)
	}
	return db.db.Close()
}
