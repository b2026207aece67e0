package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"import-desk/tui"
)

// WatchCmd shows the live progress of a session on a running daemon.
type WatchCmd struct {
	SessionID string        `arg:"" name:"session-id" help:"Session to watch"`
	Server    string        `help:"Daemon base URL (default: http://<listen>)"`
	Interval  time.Duration `help:"Polling interval" default:"1s"`
}

// Run implements the watch command execution
func (w *WatchCmd) Run(cli *CLI) error {
	if err := validateSessionArg(w.SessionID); err != nil {
		return err
	}
	id := strings.TrimSpace(w.SessionID)
	base := w.Server
	if base == "" {
		cfg, err := loadConfig(cli)
		if err != nil {
			return err
		}
		base = daemonURL(cfg.Listen)
	}

	ctx, stop := signalContext()
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	model := tui.New(id, tui.HTTPFetcher(client, base, id), w.Interval)
	if err := tui.Run(ctx, model); err != nil && ctx.Err() == nil {
		return err
	}

	view, ok := model.Final()
	if !ok {
		if err := model.Err(); err != nil {
			return fmt.Errorf("failed to read session status: %w", err)
		}
		return nil
	}
	printSummary(os.Stdout, id, view)
	return nil
}

// daemonURL turns a listen address into a URL a local client can reach.
func daemonURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	listen = strings.Replace(listen, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + listen
}
