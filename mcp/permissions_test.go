package mcp

import (
	"testing"

	"import-desk/config"
)

func TestAllowedTools_Default(t *testing.T) {
	cfg := &config.Config{}
	tools := AllowedTools(cfg)

	mustContain(t, tools, "list_sessions")
	mustContain(t, tools, "session_status")
	mustContain(t, tools, "view_history")
	mustNotContain(t, tools, "start_import")
	mustNotContain(t, tools, "stop_import")
}

func TestAllowedTools_Control(t *testing.T) {
	cfg := &config.Config{}
	cfg.MCP.AllowControl = true
	tools := AllowedTools(cfg)

	mustContain(t, tools, "view_settings")
	mustContain(t, tools, "start_import")
	mustContain(t, tools, "pause_import")
	mustContain(t, tools, "resume_import")
	mustContain(t, tools, "stop_import")
}

func TestAllowedTools_NilConfig(t *testing.T) {
	tools := AllowedTools(nil)
	mustContain(t, tools, "health")
	mustNotContain(t, tools, "start_import")
}

func mustContain(t *testing.T, list []string, v string) {
	t.Helper()
	for _, s := range list {
		if s == v {
			return
		}
	}
	t.Fatalf("expected %q in list, got %v", v, list)
}

func mustNotContain(t *testing.T, list []string, v string) {
	t.Helper()
	for _, s := range list {
		if s == v {
			t.Fatalf("expected %q not in list, got %v", v, list)
		}
	}
}
