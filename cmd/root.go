package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var (
	// Version information - set by version.go
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// CLI represents the command line interface structure using Kong
type CLI struct {
	ConfigPath string `name:"config" short:"c" type:"path" help:"Path to config file (default: ~/.config/import-desk/config.yaml)"`
	Debug      bool   `help:"Enable debug logging of source requests"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP import daemon"`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Run the MCP server over stdio"`
	Import   ImportCmd   `cmd:"" help:"Run one import in the foreground"`
	Sessions SessionsCmd `cmd:"" help:"List persisted sessions"`
	History  HistoryCmd  `cmd:"" help:"Show or export the import history"`
	Watch    WatchCmd    `cmd:"" help:"Watch a session on a running daemon"`
	Config   ConfigCmd   `cmd:"" help:"Show the effective configuration with secrets masked"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// VersionCmd represents the version command structure
type VersionCmd struct{}

// Execute is the main entry point for all commands
func Execute() error {
	cli := &CLI{}

	ctx := kong.Parse(cli,
		kong.Name("import-desk"),
		kong.Description("Resumable photo import daemon and CLI"),
		kong.Vars{
			"version": fmt.Sprintf("%s (%s, built %s)", appVersion, appCommit, appDate),
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	return ctx.Run(cli)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run implements the version command execution
func (v *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("import-desk version %s\n", appVersion)
	fmt.Printf("commit: %s\n", appCommit)
	fmt.Printf("built at: %s\n", appDate)
	return nil
}
