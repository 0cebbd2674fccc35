// Package mcp exposes the trace store over the Model Context Protocol at
// /mcp: initialize, tools/list, and tools/call, each tool returning a JSON
// payload wrapped as text content.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
	"github.com/cylestio/cylestio-perimeter/pkg/version"
)

// NewServer builds the MCP server with the store-backed tool set.
func NewServer(traceStore *store.TraceStore) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "agent-inspector",
		Version: version.GitCommit,
	}, nil)

	registerTools(server, traceStore)
	return server
}

// NewHTTPHandler mounts the MCP server for the /mcp route.
func NewHTTPHandler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}

func registerTools(server *mcpsdk.Server, traceStore *store.TraceStore) {
	server.AddTool(&mcpsdk.Tool{
		Name:        "get_agents",
		Description: "List observed agents with their aggregate metrics.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "Filter by coarse project id"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			AgentID string `json:"agent_id"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		agents, err := traceStore.GetAllAgents(args.AgentID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"agents": agents, "count": len(agents)}), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "update_agent_info",
		Description: "Set an agent's display name and description.",
		InputSchema: schema(`{
			"type": "object",
			"required": ["system_prompt_id"],
			"properties": {
				"system_prompt_id": {"type": "string"},
				"agent_id": {"type": "string"},
				"display_name": {"type": "string"},
				"description": {"type": "string"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SystemPromptID string `json:"system_prompt_id"`
			AgentID        string `json:"agent_id"`
			DisplayName    string `json:"display_name"`
			Description    string `json:"description"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		agent, err := traceStore.UpdateAgentInfo(args.SystemPromptID, args.AgentID, args.DisplayName, args.Description)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(agent), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "get_tool_usage_summary",
		Description: "Tool usage counts for one agent.",
		InputSchema: schema(`{
			"type": "object",
			"required": ["system_prompt_id"],
			"properties": {
				"system_prompt_id": {"type": "string"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SystemPromptID string `json:"system_prompt_id"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		agent, err := traceStore.GetAgent(args.SystemPromptID)
		if err != nil {
			return errorResult(err), nil
		}
		var available, used []string
		for tool := range agent.AvailableTools {
			available = append(available, tool)
		}
		for tool := range agent.UsedTools {
			used = append(used, tool)
		}
		return jsonResult(map[string]any{
			"system_prompt_id": agent.SystemPromptID,
			"available_tools":  available,
			"used_tools":       used,
			"usage_counts":     agent.ToolUsageDetails,
		}), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "create_analysis_session",
		Description: "Create an analysis session for an agent or codebase.",
		InputSchema: schema(`{
			"type": "object",
			"required": ["session_id", "agent_id"],
			"properties": {
				"session_id": {"type": "string"},
				"agent_id": {"type": "string"},
				"agent_name": {"type": "string"},
				"system_prompt_id": {"type": "string"},
				"session_type": {"type": "string", "enum": ["STATIC", "DYNAMIC", "AUTOFIX"]}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SessionID      string `json:"session_id"`
			AgentID        string `json:"agent_id"`
			AgentName      string `json:"agent_name"`
			SystemPromptID string `json:"system_prompt_id"`
			SessionType    string `json:"session_type"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		kind := models.AnalysisKind(args.SessionType)
		if kind == "" {
			kind = models.AnalysisStatic
		}
		session, err := traceStore.CreateAnalysisSession(args.SessionID, args.AgentID, kind, args.AgentName, args.SystemPromptID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(session), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "complete_analysis_session",
		Description: "Mark an analysis session completed with its result counts.",
		InputSchema: schema(`{
			"type": "object",
			"required": ["session_id"],
			"properties": {
				"session_id": {"type": "string"},
				"findings_count": {"type": "integer"},
				"risk_score": {"type": "integer"},
				"sessions_analyzed": {"type": "integer"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SessionID        string `json:"session_id"`
			FindingsCount    *int   `json:"findings_count"`
			RiskScore        *int   `json:"risk_score"`
			SessionsAnalyzed *int   `json:"sessions_analyzed"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		session, err := traceStore.CompleteAnalysisSession(args.SessionID, args.FindingsCount, args.RiskScore, args.SessionsAnalyzed)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(session), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "store_finding",
		Description: "Store a security finding (de-duplicated by fingerprint).",
		InputSchema: schema(`{
			"type": "object",
			"required": ["session_id", "agent_id", "file_path", "finding_type", "severity", "title"],
			"properties": {
				"finding_id": {"type": "string"},
				"session_id": {"type": "string"},
				"agent_id": {"type": "string"},
				"file_path": {"type": "string"},
				"line_start": {"type": "integer"},
				"line_end": {"type": "integer"},
				"finding_type": {"type": "string"},
				"severity": {"type": "string", "enum": ["CRITICAL", "HIGH", "MEDIUM", "LOW"]},
				"title": {"type": "string"},
				"description": {"type": "string"},
				"evidence": {"type": "object"},
				"owasp_mapping": {"type": "array", "items": {"type": "string"}},
				"cwe_mapping": {"type": "array", "items": {"type": "string"}},
				"mitre_atlas": {"type": "string"},
				"fix_recommendation": {"type": "string"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			FindingID    string         `json:"finding_id"`
			SessionID    string         `json:"session_id"`
			AgentID      string         `json:"agent_id"`
			FilePath     string         `json:"file_path"`
			LineStart    *int           `json:"line_start"`
			LineEnd      *int           `json:"line_end"`
			FindingType  string         `json:"finding_type"`
			Severity     string         `json:"severity"`
			Title        string         `json:"title"`
			Description  string         `json:"description"`
			Evidence     map[string]any `json:"evidence"`
			OWASPMapping []string       `json:"owasp_mapping"`
			CWEMapping   []string       `json:"cwe_mapping"`
			MitreAtlas   string         `json:"mitre_atlas"`
			FixHints     string         `json:"fix_recommendation"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		finding, err := traceStore.StoreFinding(store.FindingInput{
			FindingID:    args.FindingID,
			SessionID:    args.SessionID,
			AgentID:      args.AgentID,
			FilePath:     args.FilePath,
			LineStart:    args.LineStart,
			LineEnd:      args.LineEnd,
			FindingType:  args.FindingType,
			Severity:     args.Severity,
			Title:        args.Title,
			Description:  args.Description,
			Evidence:     args.Evidence,
			OWASPMapping: args.OWASPMapping,
			CWEMapping:   args.CWEMapping,
			MitreAtlas:   args.MitreAtlas,
			FixHints:     args.FixHints,
		})
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(finding), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "get_findings",
		Description: "List findings with optional agent/session/status filters.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string"},
				"session_id": {"type": "string"},
				"status": {"type": "string", "enum": ["OPEN", "FIXED", "IGNORED"]},
				"limit": {"type": "integer"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			AgentID   string `json:"agent_id"`
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
			Limit     int    `json:"limit"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		findings, err := traceStore.GetFindings(args.AgentID, args.SessionID, args.Status, args.Limit)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"findings": findings, "count": len(findings)}), nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "update_finding_status",
		Description: "Transition a finding to FIXED or IGNORED with notes.",
		InputSchema: schema(`{
			"type": "object",
			"required": ["finding_id", "status"],
			"properties": {
				"finding_id": {"type": "string"},
				"status": {"type": "string", "enum": ["OPEN", "FIXED", "IGNORED"]},
				"notes": {"type": "string"},
				"performed_by": {"type": "string"}
			}
		}`),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			FindingID   string `json:"finding_id"`
			Status      string `json:"status"`
			Notes       string `json:"notes"`
			PerformedBy string `json:"performed_by"`
		}
		if err := bindArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		finding, err := traceStore.UpdateFindingStatus(args.FindingID, models.FindingStatus(args.Status), args.Notes, args.PerformedBy)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(finding), nil
	})
}

func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}

// bindArgs decodes tool-call arguments into a typed struct.
func bindArgs(req *mcpsdk.CallToolRequest, v any) error {
	args := req.Params.Arguments
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("failed to decode tool arguments: %w", err)
	}
	return nil
}

// jsonResult wraps a payload as {content:[{type:"text",text:<json>}]}.
func jsonResult(v any) *mcpsdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: true,
	}
}
