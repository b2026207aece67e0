// Package main is the entry point of import-desk, a resumable photo import
// daemon with an HTTP API, an MCP server and a foreground CLI.
package main

import (
	"fmt"
	"os"

	"import-desk/cmd"
)

func main() {
	cmd.SetVersionInfo(Version, Commit, Date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
