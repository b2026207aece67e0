package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appcfg "import-desk/config"
	"import-desk/manager"
	"import-desk/session"
	"import-desk/store"
	v "import-desk/validate"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// defaultListLimit is the common LIMIT used for list views.
	defaultListLimit = 200
	maxListLimit     = 5000
)

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

// Deps are the collaborators the tools operate on.
type Deps struct {
	Manager *manager.Manager
	// History is optional; view_history fails without it.
	History *store.History
}

// Serve starts the MCP server using the go-sdk over stdio.
func Serve(ctx context.Context, cfg *appcfg.Config, deps Deps) error {
	srv, err := NewServer(cfg, deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx, &sdk.StdioTransport{})
}

// NewServer builds the MCP server with every tool AllowedTools permits.
func NewServer(cfg *appcfg.Config, deps Deps) (*sdk.Server, error) {
	// Ensure configuration is provided before accessing permissions
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required to start MCP server")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("session manager is required to start MCP server")
	}
	impl := &sdk.Implementation{
		Name:    appcfg.AppName,
		Title:   "import-desk MCP",
		Version: "dev",
	}
	srv := sdk.NewServer(impl, &sdk.ServerOptions{HasTools: true, HasResources: true})
	registerDocsResources(srv)

	h := &handlers{cfg: cfg, manager: deps.Manager, history: deps.History}
	allowed := make(map[string]bool)
	for _, name := range AllowedTools(cfg) {
		allowed[name] = true
	}

	sdk.AddTool(srv, &sdk.Tool{
		Name:        toolHealth,
		Title:       "Health Check",
		Description: "Returns server health status.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, h.health)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        toolListSessions,
		Title:       "List Sessions",
		Description: "List every known import session with its status and progress. Usage: " + docsToolsURI + "#list_sessions.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, h.listSessions)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        toolSessionStatus,
		Title:       "Session Status",
		Description: "Show status, progress, errors and download catalogue of one session. Pass {\"session_id\":\"uuid\"}. Usage: " + docsToolsURI + "#session_status.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"session_id": sessionIDSchema()},
			Required:   []string{"session_id"},
		},
	}, h.sessionStatus)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        toolViewHistory,
		Title:       "View Import History",
		Description: "List imported files from the local database, newest last. Usage: " + docsToolsURI + "#view_history.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": sessionIDSchema(),
				"destination": {
					Type:        "string",
					Description: "Only files imported into this destination directory.",
					MaxLength:   intPtr(v.DestinationMax),
				},
				"limit": {
					Type:        "integer",
					Description: fmt.Sprintf("Maximum rows to return (default: %d).", defaultListLimit),
					Minimum:     floatPtr(1),
					Maximum:     floatPtr(maxListLimit),
				},
			},
		},
	}, h.viewHistory)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        toolViewSettings,
		Title:       "View Settings",
		Description: "Show the running configuration with secrets masked. Usage: " + docsToolsURI + "#view_settings.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, h.viewSettings)

	// session control: gated by AllowControl
	if allowed[toolStartImport] {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        toolStartImport,
			Title:       "Start Import",
			Description: "Create a session and start importing into destination. Pass code only when the source asked for a second factor. Usage: " + docsToolsURI + "#start_import.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"account": {
						Type:        "string",
						Description: "Source account: owner/repository for GitHub, listing URL for webdir.",
						MinLength:   intPtr(1),
						MaxLength:   intPtr(v.AccountMax),
					},
					"credential": {
						Type:        "string",
						Description: "Secret for the source account. Kept in memory only.",
						MinLength:   intPtr(1),
					},
					"destination": {
						Type:        "string",
						Description: "Local directory receiving the files.",
						MinLength:   intPtr(1),
						MaxLength:   intPtr(v.DestinationMax),
					},
					"limit": {
						Type:        "integer",
						Description: "Maximum number of items to import; 0 means all.",
						Minimum:     floatPtr(0),
						Maximum:     floatPtr(v.LimitMax),
					},
					"code": {
						Type:        "string",
						Description: "Two-factor verification code (4-8 digits).",
						Pattern:     v.CodePattern,
					},
				},
				Required: []string{"account", "credential", "destination"},
			},
		}, h.startImport)
	}

	if allowed[toolPauseImport] {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        toolPauseImport,
			Title:       "Pause Import",
			Description: "Pause a running session before its next item. Usage: " + docsToolsURI + "#pause_import.",
			InputSchema: sessionOnlySchema(),
		}, h.pauseImport)
	}

	if allowed[toolResumeImport] {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        toolResumeImport,
			Title:       "Resume Import",
			Description: "Resume a paused session, or relaunch one restored from disk. Pass credential when the daemon restarted since the session began. Usage: " + docsToolsURI + "#resume_import.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"session_id": sessionIDSchema(),
					"credential": {
						Type:        "string",
						Description: "Secret for the source account; required after a restart.",
					},
				},
				Required: []string{"session_id"},
			},
		}, h.resumeImport)
	}

	if allowed[toolStopImport] {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        toolStopImport,
			Title:       "Stop Import",
			Description: "Request a stop. The worker flushes the ledger and ends as stopped. Usage: " + docsToolsURI + "#stop_import.",
			InputSchema: sessionOnlySchema(),
		}, h.stopImport)
	}

	return srv, nil
}

func sessionIDSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Title:       "Session ID",
		Description: "Session identifier (lowercase UUID).",
		MinLength:   intPtr(v.SessionIDLength),
		MaxLength:   intPtr(v.SessionIDLength),
		Pattern:     v.SessionIDPattern,
	}
}

func sessionOnlySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"session_id": sessionIDSchema()},
		Required:   []string{"session_id"},
	}
}

type handlers struct {
	cfg     *appcfg.Config
	manager *manager.Manager
	history *store.History
}

type HealthOut struct {
	Status string `json:"status" jsonschema:"health status (ok)"`
	Time   string `json:"time" jsonschema:"server time in RFC3339"`
}

func (h *handlers) health(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, HealthOut, error) {
	return nil, HealthOut{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)}, nil
}

type ListSessionsOut struct {
	Sessions []manager.StatusView `json:"sessions" jsonschema:"known sessions ordered by creation"`
}

func (h *handlers) listSessions(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, ListSessionsOut, error) {
	return nil, ListSessionsOut{Sessions: h.manager.List()}, nil
}

type SessionIn struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

type SessionStatusOut struct {
	Session manager.StatusView `json:"session" jsonschema:"status view of the session"`
}

func (h *handlers) sessionStatus(_ context.Context, _ *sdk.CallToolRequest, in SessionIn) (*sdk.CallToolResult, SessionStatusOut, error) {
	id, err := sessionID(in.SessionID)
	if err != nil {
		return &sdk.CallToolResult{}, SessionStatusOut{}, err
	}
	view, err := h.manager.Status(id)
	if err != nil {
		return &sdk.CallToolResult{}, SessionStatusOut{}, err
	}
	view.SessionID = id
	return nil, SessionStatusOut{Session: view}, nil
}

type ViewHistoryIn struct {
	SessionID   string `json:"session_id,omitempty" jsonschema:"only files of this session"`
	Destination string `json:"destination,omitempty" jsonschema:"only files in this destination"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum rows"`
}

type HistoryRow struct {
	SessionID    string `json:"session_id" jsonschema:"session that imported the file"`
	Destination  string `json:"destination" jsonschema:"destination directory"`
	RelativePath string `json:"relative_path" jsonschema:"path under the destination"`
	SourceName   string `json:"source_name" jsonschema:"name reported by the source"`
	Size         int64  `json:"size" jsonschema:"bytes written"`
	Converted    bool   `json:"converted" jsonschema:"true when the file was transcoded"`
	ImportedAt   string `json:"imported_at" jsonschema:"import time in RFC3339"`
}

type ViewHistoryOut struct {
	Entries []HistoryRow `json:"entries" jsonschema:"imported files"`
}

func (h *handlers) viewHistory(ctx context.Context, _ *sdk.CallToolRequest, in ViewHistoryIn) (*sdk.CallToolResult, ViewHistoryOut, error) {
	if h.history == nil {
		return &sdk.CallToolResult{}, ViewHistoryOut{}, fmt.Errorf("import history is not available")
	}
	filter, err := historyFilter(in)
	if err != nil {
		return &sdk.CallToolResult{}, ViewHistoryOut{}, err
	}
	entries, err := h.history.List(ctx, filter)
	if err != nil {
		return &sdk.CallToolResult{}, ViewHistoryOut{}, fmt.Errorf("failed to list history: %w", err)
	}
	rows := make([]HistoryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, HistoryRow{
			SessionID:    e.SessionID,
			Destination:  e.Destination,
			RelativePath: e.RelativePath,
			SourceName:   e.SourceName,
			Size:         e.Size,
			Converted:    e.Converted,
			ImportedAt:   e.ImportedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, ViewHistoryOut{Entries: rows}, nil
}

func historyFilter(in ViewHistoryIn) (store.HistoryFilter, error) {
	filter := store.HistoryFilter{
		SessionID:   strings.TrimSpace(in.SessionID),
		Destination: strings.TrimSpace(in.Destination),
		Limit:       in.Limit,
	}
	if filter.SessionID != "" {
		if err := v.ValidateSessionID(filter.SessionID); err != nil {
			return filter, err
		}
	}
	switch {
	case filter.Limit < 0 || filter.Limit > maxListLimit:
		return filter, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	case filter.Limit == 0:
		filter.Limit = defaultListLimit
	}
	return filter, nil
}

type StartImportIn struct {
	Account     string `json:"account" jsonschema:"source account"`
	Credential  string `json:"credential" jsonschema:"source secret"`
	Destination string `json:"destination" jsonschema:"local destination directory"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum items, 0 for all"`
	Code        string `json:"code,omitempty" jsonschema:"two-factor code"`
}

type ControlOut struct {
	Ok        bool   `json:"ok" jsonschema:"true when the request was accepted"`
	SessionID string `json:"session_id" jsonschema:"affected session"`
	Message   string `json:"message" jsonschema:"human readable outcome"`
}

func (h *handlers) startImport(ctx context.Context, _ *sdk.CallToolRequest, in StartImportIn) (*sdk.CallToolResult, ControlOut, error) {
	cfg := session.Config{
		Account:     strings.TrimSpace(in.Account),
		Credential:  in.Credential,
		Code:        strings.TrimSpace(in.Code),
		Destination: in.Destination,
		Limit:       in.Limit,
	}
	if cfg.Code != "" {
		if err := v.ValidateCode(cfg.Code); err != nil {
			return &sdk.CallToolResult{}, ControlOut{}, err
		}
		if err := h.manager.Confirm(ctx, cfg); err != nil {
			return &sdk.CallToolResult{}, ControlOut{}, err
		}
	}
	id, err := h.manager.Create(ctx, cfg)
	if err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	if err := h.manager.Start(ctx, id); err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	return nil, ControlOut{Ok: true, SessionID: id, Message: fmt.Sprintf("Import started into %s", cfg.Destination)}, nil
}

func (h *handlers) pauseImport(_ context.Context, _ *sdk.CallToolRequest, in SessionIn) (*sdk.CallToolResult, ControlOut, error) {
	id, err := sessionID(in.SessionID)
	if err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	if err := h.manager.Pause(id); err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	return nil, ControlOut{Ok: true, SessionID: id, Message: "Import paused"}, nil
}

type ResumeImportIn struct {
	SessionID  string `json:"session_id" jsonschema:"session identifier"`
	Credential string `json:"credential,omitempty" jsonschema:"source secret, required after a restart"`
}

func (h *handlers) resumeImport(ctx context.Context, _ *sdk.CallToolRequest, in ResumeImportIn) (*sdk.CallToolResult, ControlOut, error) {
	id, err := sessionID(in.SessionID)
	if err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	if err := h.manager.Resume(ctx, id, in.Credential); err != nil {
		if errors.Is(err, manager.ErrCredentialRequired) {
			return &sdk.CallToolResult{}, ControlOut{}, fmt.Errorf("%w: pass credential to relaunch the session", err)
		}
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	return nil, ControlOut{Ok: true, SessionID: id, Message: "Import resumed"}, nil
}

func (h *handlers) stopImport(_ context.Context, _ *sdk.CallToolRequest, in SessionIn) (*sdk.CallToolResult, ControlOut, error) {
	id, err := sessionID(in.SessionID)
	if err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	if err := h.manager.Stop(id); err != nil {
		return &sdk.CallToolResult{}, ControlOut{}, err
	}
	return nil, ControlOut{Ok: true, SessionID: id, Message: "Stop requested"}, nil
}

func sessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("session_id is required")
	}
	if err := v.ValidateSessionID(id); err != nil {
		return "", err
	}
	return id, nil
}

type ViewSettingsOut struct {
	Listen       string `json:"listen"`
	SessionsDir  string `json:"sessions_dir"`
	SessionStore string `json:"session_store"`
	DatabasePath string `json:"database_path"`
	BatchSize    int    `json:"batch_size"`
	Source       struct {
		Kind      string `json:"kind"`
		BaseURL   string `json:"base_url,omitempty"`
		GitHubApp struct {
			AppID          int64  `json:"app_id"`
			InstallationID int64  `json:"installation_id"`
			PrivateKey     string `json:"private_key"`
		} `json:"github_app"`
	} `json:"source"`
	Mirror struct {
		Endpoint        string `json:"endpoint,omitempty"`
		Bucket          string `json:"bucket,omitempty"`
		AccessKeyID     string `json:"access_key_id,omitempty"`
		SecretAccessKey string `json:"secret_access_key,omitempty"`
	} `json:"mirror"`
	MCP struct {
		AllowControl bool `json:"allow_control"`
	} `json:"mcp"`
}

func (h *handlers) viewSettings(_ context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, ViewSettingsOut, error) {
	return nil, maskConfig(h.cfg), nil
}

func maskConfig(cfg *appcfg.Config) ViewSettingsOut {
	if cfg == nil {
		return ViewSettingsOut{}
	}
	var out ViewSettingsOut
	out.Listen = cfg.Listen
	out.SessionsDir = cfg.SessionsDir
	out.SessionStore = cfg.SessionStore
	out.DatabasePath = cfg.DatabasePath
	out.BatchSize = cfg.BatchSize
	out.Source.Kind = cfg.Source.Kind
	out.Source.BaseURL = cfg.Source.GitHub.BaseURL
	out.Source.GitHubApp.AppID = cfg.Source.GitHub.App.AppID
	out.Source.GitHubApp.InstallationID = cfg.Source.GitHub.App.InstallationID
	if cfg.Source.GitHub.App.PrivateKey != "" {
		out.Source.GitHubApp.PrivateKey = "[masked PEM]"
	}
	out.Mirror.Endpoint = cfg.Mirror.Endpoint
	out.Mirror.Bucket = cfg.Mirror.Bucket
	out.Mirror.AccessKeyID = maskSecret(cfg.Mirror.AccessKeyID)
	out.Mirror.SecretAccessKey = maskSecret(cfg.Mirror.SecretAccessKey)
	out.MCP.AllowControl = cfg.MCP.AllowControl
	return out
}

func maskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) > 8 {
		return "[masked]…" + s[len(s)-4:]
	}
	return "[masked]"
}
