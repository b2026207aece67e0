package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"import-desk/store"
)

// SessionsCmd lists the sessions persisted by the daemon.
type SessionsCmd struct {
	Format string `help:"Output format (table, json, yaml)" default:"table"`
}

// Run implements the sessions command execution
func (s *SessionsCmd) Run(cli *CLI) error {
	format, err := store.ParseOutputFormat(s.Format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	store.SetDBPath(cfg.DatabasePath)
	db, err := store.InitDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	states, err := newSessionStore(cfg, db).LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	return store.ViewSessions(os.Stdout, states, format)
}

// HistoryCmd shows imported files, or exports them to Parquet.
type HistoryCmd struct {
	Session     string `help:"Only files imported by this session"`
	Destination string `help:"Only files imported into this destination"`
	Limit       int    `help:"Maximum rows (0 = all)"`
	Format      string `help:"Output format (table, json, yaml)" default:"table"`
	Parquet     string `help:"Write the rows to this Parquet file instead of printing" type:"path"`
}

// Run implements the history command execution
func (h *HistoryCmd) Run(cli *CLI) error {
	format, err := store.ParseOutputFormat(h.Format)
	if err != nil {
		return err
	}
	if h.Session != "" {
		if err := validateSessionArg(h.Session); err != nil {
			return err
		}
	}
	if err := validateLimitArg(h.Limit); err != nil {
		return err
	}
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	store.SetDBPath(cfg.DatabasePath)
	db, err := store.InitDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	filter := store.HistoryFilter{
		SessionID:   strings.TrimSpace(h.Session),
		Destination: strings.TrimSpace(h.Destination),
		Limit:       h.Limit,
	}
	ctx := context.Background()

	if h.Parquet != "" {
		n, err := store.ExportHistoryParquet(ctx, db, filter, h.Parquet)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d rows to %s\n", n, h.Parquet)
		return nil
	}
	return store.ViewHistory(ctx, os.Stdout, db, filter, format)
}
