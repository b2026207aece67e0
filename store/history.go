package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// HistoryEntry is one materialized file.
type HistoryEntry struct {
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Destination  string    `json:"destination" yaml:"destination"`
	RelativePath string    `json:"relative_path" yaml:"relative_path"`
	SourceName   string    `json:"source_name" yaml:"source_name"`
	Filename     string    `json:"filename" yaml:"filename"`
	Size         int64     `json:"size" yaml:"size"`
	Converted    bool      `json:"converted" yaml:"converted"`
	ImportedAt   time.Time `json:"imported_at" yaml:"imported_at"`
}

// HistoryFilter narrows FetchHistory results.
type HistoryFilter struct {
	SessionID   string
	Destination string
	Limit       int
}

// History records imported files in the import_history table.
type History struct {
	db *sql.DB
}

// NewHistory returns a recorder backed by db.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

var historyColumns = []string{
	"destination", "relative_path", "session_id", "source_name",
	"filename", "size", "converted", "imported_at",
}

// Record stores entries; re-importing a path replaces its row.
func (h *History) Record(ctx context.Context, entries ...HistoryEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.Destination, e.RelativePath, e.SessionID, e.SourceName,
			e.Filename, e.Size, e.Converted, e.ImportedAt.UTC().Format(time.RFC3339),
		})
	}
	return insertOrReplaceBatch(ctx, h.db, "import_history", historyColumns, rows)
}

// List returns entries ordered by import time.
func (h *History) List(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	return FetchHistory(ctx, h.db, filter)
}

// FetchHistory reads import_history rows matching filter.
func FetchHistory(ctx context.Context, db *sql.DB, filter HistoryFilter) ([]HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Destination != "" {
		where = append(where, "destination = ?")
		args = append(args, filter.Destination)
	}

	query := "SELECT " + strings.Join(historyColumns, ", ") + " FROM import_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY imported_at, relative_path"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query import history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			sourceName sql.NullString
			filename   sql.NullString
			size       sql.NullInt64
			converted  sql.NullBool
			importedAt sql.NullString
		)
		if err := rows.Scan(&e.Destination, &e.RelativePath, &e.SessionID, &sourceName, &filename, &size, &converted, &importedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import history: %w", err)
		}
		e.SourceName = sourceName.String
		e.Filename = filename.String
		e.Size = size.Int64
		e.Converted = converted.Bool
		if importedAt.Valid {
			if ts, err := time.Parse(time.RFC3339, importedAt.String); err == nil {
				e.ImportedAt = ts
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import history: %w", err)
	}
	return out, nil
}
