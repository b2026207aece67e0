package store

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the supported rendering format for view results.
type OutputFormat string

const (
	// FormatTable renders output as tab-separated text tables (default).
	FormatTable OutputFormat = "table"
	// FormatJSON renders output as JSON.
	FormatJSON OutputFormat = "json"
	// FormatYAML renders output as YAML.
	FormatYAML OutputFormat = "yaml"
)

// ParseOutputFormat converts a raw string into an OutputFormat, defaulting to table.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return FormatTable, nil
	}
	switch trimmed {
	case string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML):
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", raw)
	}
}

func renderByFormat(w io.Writer, format OutputFormat, tableFn func() error, payload interface{}) error {
	switch format {
	case FormatTable, "":
		if tableFn == nil {
			return nil
		}
		return tableFn()
	case FormatJSON:
		return printJSON(w, payload)
	case FormatYAML:
		return printYAML(w, payload)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printYAML(w io.Writer, payload interface{}) error {
	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Fprint(w, string(data))
	return nil
}
