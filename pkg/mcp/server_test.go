package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// connect boots the MCP server over in-memory transports and returns a
// connected client session.
func connect(t *testing.T, traceStore *store.TraceStore) *mcpsdk.ClientSession {
	t.Helper()

	server := NewServer(traceStore)
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = server.Run(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "perimeter-test", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func newTestStore(t *testing.T) *store.TraceStore {
	t.Helper()
	cfg := config.StoreConfig{StorageMode: "memory", MaxEvents: 1000, RetentionMinutes: 30}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, cfg)
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned an error", name)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func TestListTools(t *testing.T) {
	session := connect(t, newTestStore(t))

	result, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, expected := range []string{
		"get_agents", "update_agent_info", "get_tool_usage_summary",
		"create_analysis_session", "complete_analysis_session",
		"store_finding", "get_findings", "update_finding_status",
	} {
		assert.True(t, names[expected], "missing tool %s", expected)
	}
}

func TestFindingWorkflow(t *testing.T) {
	traceStore := newTestStore(t)
	session := connect(t, traceStore)

	created := callTool(t, session, "create_analysis_session", map[string]any{
		"session_id":   "analysis-mcp",
		"agent_id":     "agent-mcp",
		"session_type": "STATIC",
	})
	assert.Equal(t, "IN_PROGRESS", created["status"])

	finding := callTool(t, session, "store_finding", map[string]any{
		"session_id":   "analysis-mcp",
		"agent_id":     "agent-mcp",
		"file_path":    "app/agent.py",
		"finding_type": "PROMPT_INJECT_DIRECT",
		"severity":     "HIGH",
		"title":        "User input interpolated into prompt",
	})
	findingID := finding["finding_id"].(string)
	assert.Equal(t, "OPEN", finding["status"])

	// Storing the same finding again returns the same id (dedup).
	again := callTool(t, session, "store_finding", map[string]any{
		"session_id":   "analysis-mcp",
		"agent_id":     "agent-mcp",
		"file_path":    "app/agent.py",
		"finding_type": "PROMPT_INJECT_DIRECT",
		"severity":     "HIGH",
		"title":        "User input interpolated into prompt",
	})
	assert.Equal(t, findingID, again["finding_id"])

	listed := callTool(t, session, "get_findings", map[string]any{"agent_id": "agent-mcp"})
	assert.EqualValues(t, 1, listed["count"])

	updated := callTool(t, session, "update_finding_status", map[string]any{
		"finding_id":   findingID,
		"status":       "FIXED",
		"notes":        "sanitized the input",
		"performed_by": "dev",
	})
	assert.Equal(t, "FIXED", updated["status"])

	completed := callTool(t, session, "complete_analysis_session", map[string]any{
		"session_id": "analysis-mcp",
	})
	assert.Equal(t, "COMPLETED", completed["status"])
	assert.EqualValues(t, 1, completed["findings_count"])
}

func TestAgentTools(t *testing.T) {
	traceStore := newTestStore(t)
	promptID := "prompt-mcp"
	sessionID := "session-mcp"
	require.NoError(t, traceStore.AddEvent(
		events.NewLLMCallStart(sessionID, promptID, "", "openai", "gpt-4o", nil), "", ""))
	require.NoError(t, traceStore.AddEvent(
		events.NewToolExecution(sessionID, promptID, "", "search", nil), "", ""))

	session := connect(t, traceStore)

	agents := callTool(t, session, "get_agents", map[string]any{})
	assert.EqualValues(t, 1, agents["count"])

	updated := callTool(t, session, "update_agent_info", map[string]any{
		"system_prompt_id": promptID,
		"display_name":     "Search Agent",
	})
	assert.Equal(t, "Search Agent", updated["display_name"])

	usage := callTool(t, session, "get_tool_usage_summary", map[string]any{
		"system_prompt_id": promptID,
	})
	counts := usage["usage_counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["search"])
}

func TestToolErrorWrapping(t *testing.T) {
	session := connect(t, newTestStore(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "get_tool_usage_summary",
		Arguments: map[string]any{"system_prompt_id": "missing"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	text := result.Content[0].(*mcpsdk.TextContent)
	assert.Contains(t, text.Text, "error")
}
