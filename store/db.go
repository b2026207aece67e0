package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	// Database configuration
	DBFileName         = "import-desk.db"
	sqliteMaxVariables = 999
)

func insertOrReplaceBatch(ctx context.Context, db *sql.DB, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	columnCount := len(columns)
	if columnCount == 0 {
		return fmt.Errorf("no columns provided for %s", table)
	}
	if columnCount > sqliteMaxVariables {
		return fmt.Errorf("column count %d exceeds SQLite limit %d for %s", columnCount, sqliteMaxVariables, table)
	}

	values := make([]string, columnCount)
	for i := range values {
		values[i] = "?"
	}
	plHolder := "(" + strings.Join(values, ",") + ")"
	batchSize := sqliteMaxVariables / columnCount
	if batchSize == 0 {
		batchSize = 1
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		placeholders := make([]string, 0, end-start)
		args := make([]any, 0, columnCount*(end-start))

		for _, row := range rows[start:end] {
			if len(row) != columnCount {
				return fmt.Errorf("expected %d values for %s insert, got %d", columnCount, table, len(row))
			}
			placeholders = append(placeholders, plHolder)
			args = append(args, row...)
		}

		query := fmt.Sprintf(
			"INSERT OR REPLACE INTO %s(%s) VALUES %s",
			table,
			strings.Join(columns, ", "),
			strings.Join(placeholders, ","),
		)
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}

	return nil
}

// DBPath is the runtime-configured SQLite file path. If empty, DBFileName is used.
var DBPath string

// SetDBPath sets a custom SQLite file path. Empty resets to default.
func SetDBPath(path string) {
	DBPath = path
}

func dbPath() string {
	if DBPath != "" {
		return DBPath
	}
	return DBFileName
}

// InitDatabase creates and initializes the SQLite database with required tables
func InitDatabase() (*sql.DB, error) {
	path := dbPath()
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers from concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates all required database tables if they don't exist
func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS import_history (
			destination TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			source_name TEXT,
			filename TEXT,
			size INTEGER,
			converted BOOLEAN,
			imported_at TEXT,
			PRIMARY KEY (destination, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_history_session ON import_history(session_id)`,
		`CREATE TABLE IF NOT EXISTS import_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			destination TEXT,
			document TEXT NOT NULL,
			created_at TEXT,
			updated_at TEXT
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}
