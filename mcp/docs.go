package mcp

import (
	"context"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	docsMIMEType    = "text/markdown"
	docsOverviewURI = "resource://import-desk/mcp-overview"
	docsToolsURI    = "resource://import-desk/mcp-tools"
	docsSafetyURI   = "resource://import-desk/mcp-safety"
)

type docsResource struct {
	uri, name, title, description, body string
}

var docsResources = []docsResource{
	{
		uri:         docsOverviewURI,
		name:        "mcp-overview",
		title:       "import-desk MCP Overview",
		description: "How the import-desk MCP server is configured and how it relates to the HTTP daemon.",
		body:        mcpOverviewMarkdown,
	},
	{
		uri:         docsToolsURI,
		name:        "mcp-tools",
		title:       "import-desk MCP Tools",
		description: "Reference for every published tool with sample JSON inputs and response hints.",
		body:        mcpToolsMarkdown,
	},
	{
		uri:         docsSafetyURI,
		name:        "mcp-safety",
		title:       "import-desk MCP Safety Notes",
		description: "Guidance for allow_control, credentials, and stopping imports safely.",
		body:        mcpSafetyMarkdown,
	},
}

func registerDocsResources(srv *sdk.Server) {
	for _, res := range docsResources {
		srv.AddResource(&sdk.Resource{
			URI:         res.uri,
			Name:        res.name,
			Title:       res.title,
			Description: res.description,
			MIMEType:    docsMIMEType,
		}, staticMarkdownResource(res.uri, res.body))
	}
}

func staticMarkdownResource(uri, body string) sdk.ResourceHandler {
	return func(_ context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
		if req != nil && req.Params != nil {
			target := req.Params.URI
			if idx := strings.IndexByte(target, '#'); idx >= 0 {
				target = target[:idx]
			}
			if target != "" && target != uri {
				return nil, sdk.ResourceNotFoundError(target)
			}
		}
		return &sdk.ReadResourceResult{
			Contents: []*sdk.ResourceContents{
				{
					URI:      uri,
					MIMEType: docsMIMEType,
					Text:     body,
				},
			},
		}, nil
	}
}

const mcpOverviewMarkdown = `# import-desk MCP Overview

Use this document when you need to reason about how the MCP server is configured before
calling tools or resources.

## Launch checklist
1. Configure the source block (kind github or webdir) inside ~/.config/import-desk/config.yaml.
2. Set mcp.allow_control to publish start_import, pause_import, resume_import and stop_import.
3. Optionally point database_path or IMPORT_DESK_DATABASE_PATH to a writable location shared with the daemon.
4. Start the server with: import-desk mcp --debug --config /path/to/config.yaml.
5. In your MCP client, call resources/list to discover the resources below.

## Permissions and behavior
- allow_control:false publishes health, list_sessions, session_status, view_history and view_settings.
- allow_control:true adds the session control tools.
- Sessions persisted by the daemon are loaded at start-up as paused. Resuming one needs the credential again.

## Resource catalog
| URI | Summary |
| --- | --- |
| resource://import-desk/mcp-overview | You are here: start-up order and config requirements. |
| resource://import-desk/mcp-tools | Usage for every tool plus JSON examples and response hints. |
| resource://import-desk/mcp-safety | Control-specific guardrails. |

Use anchors such as resource://import-desk/mcp-tools#session_status to deep-link to individual tools.

## Typical MCP workflow
1. Run tools/list and resources/list to understand what is available.
2. Call list_sessions to see what is already running or paused.
3. Call start_import, then poll session_status until the status is finished, stopped or error.
4. Use view_history to inspect what landed in the destination.
`

const mcpToolsMarkdown = `# import-desk MCP Tools

The tables below describe every published tool. Copy the sample JSON into tools/call requests (omit optional keys when not needed).

## read tools (always available)
| Tool | Purpose | Sample Input | Response Hints |
| --- | --- | --- | --- |
| health | Readiness check | {} | status ok and server time |
| list_sessions | Every known session | {} | sessions[] with session_id, status, progress, total, errors |
| session_status | One session | {"session_id":"0f8fad5b-d9cb-469f-a165-70867728950e"} | Includes files_to_download with tokens |
| view_history | Imported files from SQLite | {"session_id":"0f8fad5b-d9cb-469f-a165-70867728950e","limit":50} | entries[] with relative_path, size, converted, imported_at |
| view_settings | Masked configuration | {} | Confirms source kind, DB path, and MCP flags |

## control tools (requires allow_control)
| Tool | Purpose | Sample Input | Notes |
| --- | --- | --- | --- |
| start_import | Create and start a session | {"account":"octo/photos","credential":"...","destination":"/data/photos","limit":100} | Add code when the source asked for a second factor |
| pause_import | Pause before the next item | {"session_id":"..."} | The item being fetched completes first |
| resume_import | Continue a paused session | {"session_id":"...","credential":"..."} | credential is required after a daemon restart |
| stop_import | Stop for good | {"session_id":"..."} | The ledger is flushed; resume_import relaunches from the saved progress |

For safety guidance see resource://import-desk/mcp-safety.
`

const mcpSafetyMarkdown = `# import-desk MCP Safety Notes

## allow_control gating
- Keep allow_control:false when the MCP client only needs to observe imports.
- Review tools/list output after toggling the flag to confirm control tools are either hidden or visible as expected.

## Credentials
- Credentials passed to start_import or resume_import stay in process memory. They are never written to the session files or SQLite.
- A session restored after a restart reports status paused and needs resume_import with the credential.

## Stopping
- stop_import latches: the worker finishes the current item, writes the ledger and ends as stopped.
- Files already on disk are recorded in the ledger and are skipped by later sessions with the same destination.

## Operational tips
1. Check list_sessions before starting a second session for the same destination.
2. Permanent item failures are listed in session_status errors and in import_errors.log at the destination.
3. Use view_history to confirm what was converted.
`
