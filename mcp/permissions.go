package mcp

import "import-desk/config"

const (
	toolHealth        = "health"
	toolListSessions  = "list_sessions"
	toolSessionStatus = "session_status"
	toolViewHistory   = "view_history"
	toolViewSettings  = "view_settings"
	toolStartImport   = "start_import"
	toolPauseImport   = "pause_import"
	toolResumeImport  = "resume_import"
	toolStopImport    = "stop_import"
)

// AllowedTools returns the list of tool names that should be exposed
// by the MCP server based on configuration permissions.
//
// Policy:
// - read tools are always allowed
// - session control is only allowed if AllowControl is true
func AllowedTools(cfg *config.Config) []string {
	tools := []string{
		toolHealth,
		toolListSessions,
		toolSessionStatus,
		toolViewHistory,
		toolViewSettings,
	}

	if cfg != nil && cfg.MCP.AllowControl {
		tools = append(tools,
			toolStartImport,
			toolPauseImport,
			toolResumeImport,
			toolStopImport,
		)
	}

	return tools
}
