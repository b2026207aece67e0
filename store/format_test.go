package store

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"TABLE", FormatTable, false},
		{"json", FormatJSON, false},
		{"Yaml", FormatYAML, false},
		{"unsupported", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q, got none", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRenderByFormatWritesToWriter(t *testing.T) {
	t.Parallel()

	payload := map[string]int{"progress": 3}
	var jsonOut, yamlOut, tableOut bytes.Buffer

	if err := renderByFormat(&jsonOut, FormatJSON, nil, payload); err != nil {
		t.Fatalf("json render failed: %v", err)
	}
	if !strings.Contains(jsonOut.String(), `"progress": 3`) {
		t.Fatalf("unexpected JSON output: %q", jsonOut.String())
	}
	if err := renderByFormat(&yamlOut, FormatYAML, nil, payload); err != nil {
		t.Fatalf("yaml render failed: %v", err)
	}
	if strings.TrimSpace(yamlOut.String()) != "progress: 3" {
		t.Fatalf("unexpected YAML output: %q", yamlOut.String())
	}
	tableFn := func() error {
		printTableHeader(&tableOut, "ID", "Status")
		return nil
	}
	if err := renderByFormat(&tableOut, FormatTable, tableFn, payload); err != nil {
		t.Fatalf("table render failed: %v", err)
	}
	if tableOut.String() != "ID\tStatus\n--\t------\n" {
		t.Fatalf("unexpected table output: %q", tableOut.String())
	}
	if err := renderByFormat(&tableOut, OutputFormat("xml"), nil, payload); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
