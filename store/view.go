package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"import-desk/session"
)

// printTableHeader prints a tab-separated header row followed by a matching underline row.
// Example: printTableHeader(w, "ID", "Status") outputs:
// ID	Status
// --	------
func printTableHeader(w io.Writer, columns ...string) {
	if len(columns) == 0 {
		return
	}
	fmt.Fprintln(w, strings.Join(columns, "\t"))

	under := make([]string, len(columns))
	for i, col := range columns {
		width := utf8.RuneCountInString(col)
		if width <= 0 {
			width = 1
		}
		under[i] = strings.Repeat("-", width)
	}
	fmt.Fprintln(w, strings.Join(under, "\t"))
}

// SessionRow is the listing view of a persisted session.
type SessionRow struct {
	ID          string   `json:"session_id" yaml:"session_id"`
	Status      string   `json:"status" yaml:"status"`
	Progress    int      `json:"progress" yaml:"progress"`
	Total       *int     `json:"total" yaml:"total"`
	Errors      []string `json:"errors" yaml:"errors"`
	Destination string   `json:"destination" yaml:"destination"`
	Files       int      `json:"files" yaml:"files"`
	UpdatedAt   string   `json:"updated_at" yaml:"updated_at"`
}

// SessionRows converts persisted states to listing rows.
func SessionRows(states []session.State) []SessionRow {
	rows := make([]SessionRow, 0, len(states))
	for _, st := range states {
		rows = append(rows, SessionRow{
			ID:          st.ID,
			Status:      string(st.Status),
			Progress:    st.Progress,
			Total:       st.Total,
			Errors:      st.Errors,
			Destination: st.Destination,
			Files:       len(st.FilesToDownload),
			UpdatedAt:   st.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

// ViewSessions renders persisted sessions.
func ViewSessions(w io.Writer, states []session.State, format OutputFormat) error {
	rows := SessionRows(states)
	tableFn := func() error {
		printTableHeader(w, "ID", "Status", "Progress", "Errors", "Destination", "Updated")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				row.ID,
				row.Status,
				progressText(row.Progress, row.Total),
				len(row.Errors),
				row.Destination,
				row.UpdatedAt,
			)
		}
		return nil
	}
	return renderByFormat(w, format, tableFn, rows)
}

// ViewHistory renders import history rows from the database.
func ViewHistory(ctx context.Context, w io.Writer, db *sql.DB, filter HistoryFilter, format OutputFormat) error {
	records, err := FetchHistory(ctx, db, filter)
	if err != nil {
		return err
	}
	tableFn := func() error {
		printTableHeader(w, "Imported", "Session", "Path", "Source", "Size", "Converted")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n",
				r.ImportedAt.UTC().Format(time.RFC3339),
				r.SessionID,
				r.RelativePath,
				r.SourceName,
				r.Size,
				r.Converted,
			)
		}
		return nil
	}
	if records == nil {
		records = []HistoryEntry{}
	}
	return renderByFormat(w, format, tableFn, records)
}

func progressText(progress int, total *int) string {
	if total == nil {
		return fmt.Sprintf("%d", progress)
	}
	return fmt.Sprintf("%d/%d", progress, *total)
}
