package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"import-desk/manager"
	"import-desk/session"
	"import-desk/tui"
)

// ImportCmd runs one session in this process and waits for it to end.
type ImportCmd struct {
	Account     string `help:"Source account (owner/repository for github, listing URL for webdir)"`
	Credential  string `env:"IMPORT_DESK_CREDENTIAL" help:"Source secret (prefer the IMPORT_DESK_CREDENTIAL variable)"`
	Destination string `help:"Local destination directory" type:"path"`
	Limit       int    `help:"Maximum number of items to import (0 = all)"`
	Code        string `help:"Two-factor verification code"`
	Resume      string `help:"Resume a persisted session by id instead of creating one"`
	Watch       bool   `help:"Show a live progress view"`
}

// Run implements the import command execution
func (c *ImportCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			rt.log.WithError(err).Warn("shutdown incomplete")
		}
	}()

	id, err := c.launch(ctx, rt.manager)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session %s started\n", id)

	if c.Watch {
		model := tui.New(id, tui.ManagerFetcher(rt.manager, id), cfg.PausePollInterval)
		if err := tui.Run(ctx, model); err != nil && ctx.Err() == nil {
			rt.log.WithError(err).Warn("progress view failed")
		}
	}

	select {
	case <-rt.manager.Done(id):
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "stopping...")
		if err := rt.manager.Stop(id); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			return err
		}
		<-rt.manager.Done(id)
	}

	view, err := rt.manager.Status(id)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, id, view)
	if view.Status == session.StatusError {
		return fmt.Errorf("import failed: %s", strings.Join(view.Errors, "; "))
	}
	return nil
}

// launch creates and starts a session, or resumes a persisted one.
func (c *ImportCmd) launch(ctx context.Context, m *manager.Manager) (string, error) {
	if c.Resume != "" {
		if err := validateSessionArg(c.Resume); err != nil {
			return "", err
		}
		id := strings.TrimSpace(c.Resume)
		if err := m.Resume(ctx, id, c.Credential); err != nil {
			return "", fmt.Errorf("failed to resume session: %w", err)
		}
		return id, nil
	}
	if err := validateCodeArg(strings.TrimSpace(c.Code)); err != nil {
		return "", err
	}
	if err := validateLimitArg(c.Limit); err != nil {
		return "", err
	}

	scfg := session.Config{
		Account:     strings.TrimSpace(c.Account),
		Credential:  c.Credential,
		Code:        strings.TrimSpace(c.Code),
		Destination: c.Destination,
		Limit:       c.Limit,
	}
	if scfg.Code != "" {
		if err := m.Confirm(ctx, scfg); err != nil {
			return "", err
		}
	}
	id, err := m.Create(ctx, scfg)
	if err != nil {
		return "", err
	}
	if err := m.Start(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func printSummary(w io.Writer, id string, view manager.StatusView) {
	total := "?"
	if view.Total != nil {
		total = fmt.Sprint(*view.Total)
	}
	fmt.Fprintf(w, "Session %s: %s\n", id, view.Status)
	fmt.Fprintf(w, "Processed: %d/%s\n", view.Progress, total)
	fmt.Fprintf(w, "Files delivered: %d\n", len(view.FilesToDownload))
	if len(view.Errors) > 0 {
		fmt.Fprintf(w, "Errors (%d):\n", len(view.Errors))
		for _, e := range view.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
