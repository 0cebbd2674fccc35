package providers

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
)

func TestRegistry_Routing(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		path string
		want string
	}{
		{"/v1/chat/completions", "*providers.OpenAIAdapter"},
		{"/chat/completions", "*providers.OpenAIAdapter"},
		{"/v1/responses", "*providers.OpenAIResponsesAdapter"},
		{"/v1/messages", "*providers.AnthropicAdapter"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, nil)
			adapter := registry.ForRequest(req)
			require.NotNil(t, adapter)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", adapter))
		})
	}

	assert.Nil(t, registry.ForRequest(httptest.NewRequest("GET", "/v1/models", nil)))
}

func TestOpenAI_ParseRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"stream": true,
		"messages": [
			{"role": "system", "content": "You are helpful."},
			{"role": "user", "content": "Hi"},
			{"role": "assistant", "content": "Hello"},
			{"role": "tool", "tool_call_id": "call_1", "name": "get_weather", "content": "Sunny, 75°F"},
			{"role": "user", "content": [{"type": "text", "text": "Thanks"}, {"type": "image_url", "image_url": {"url": "http://x"}}]}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather"}}]
	}`

	adapter := NewOpenAIAdapter()
	inputs, err := adapter.ParseRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", inputs.Model)
	assert.True(t, inputs.IsStreaming)
	assert.Equal(t, "You are helpful.", inputs.SystemPrompt)
	assert.Equal(t, []string{"get_weather"}, inputs.Tools)
	require.Len(t, inputs.ToolResults, 1)
	assert.Equal(t, "get_weather", inputs.ToolResults[0].Name)
	assert.Equal(t, "Sunny, 75°F", inputs.ToolResults[0].Result)

	require.Len(t, inputs.Messages, 5)
	assert.Equal(t, "system", inputs.Messages[0].Role)
	assert.Equal(t, "tool", inputs.Messages[3].Role)
	// Structured content keeps text parts only.
	assert.Equal(t, "Thanks", inputs.Messages[4].Content)
}

func TestOpenAI_ParseResponse(t *testing.T) {
	body := `{
		"id": "chatcmpl-123",
		"model": "gpt-4o-2024-08-06",
		"system_fingerprint": "fp_abc",
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\": \"SF\"}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 50, "completion_tokens": 20, "total_tokens": 70}
	}`

	adapter := NewOpenAIAdapter()
	facts, err := adapter.ParseResponse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-2024-08-06", facts.Model)
	assert.Equal(t, "tool_calls", facts.FinishReason)
	assert.Equal(t, "fp_abc", facts.SystemFingerprint)
	assert.Equal(t, TokenUsage{Prompt: 50, Completion: 20, Total: 70}, facts.Usage)
	require.Len(t, facts.ToolUses, 1)
	assert.Equal(t, "get_weather", facts.ToolUses[0].Name)
	assert.Equal(t, "SF", facts.ToolUses[0].Input["city"])
}

func TestAnthropic_ParseRequest(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"system": "You are a weather bot.",
		"messages": [
			{"role": "user", "content": "What's the weather?"},
			{"role": "assistant", "content": [{"type": "text", "text": "Let me check."}, {"type": "tool_use", "name": "get_weather", "input": {"city": "SF"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "toolu_1", "content": "Sunny, 75°F"}]}
		],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}]
	}`

	adapter := NewAnthropicAdapter()
	inputs, err := adapter.ParseRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-20250514", inputs.Model)
	assert.Equal(t, "You are a weather bot.", inputs.SystemPrompt)
	assert.Equal(t, []string{"get_weather"}, inputs.Tools)
	require.Len(t, inputs.ToolResults, 1)
	assert.Equal(t, "Sunny, 75°F", inputs.ToolResults[0].Result)

	require.Len(t, inputs.Messages, 3)
	assert.Equal(t, "user", inputs.Messages[0].Role)
	// The tool_result message is reclassified so it never becomes a
	// resolver truncation point.
	assert.Equal(t, "tool", inputs.Messages[2].Role)
}

func TestAnthropic_ParseRequest_SystemBlocks(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"system": [{"type": "text", "text": "Part one. "}, {"type": "text", "text": "Part two."}],
		"messages": [{"role": "user", "content": "Hi"}]
	}`

	inputs, err := NewAnthropicAdapter().ParseRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Part one. Part two.", inputs.SystemPrompt)
}

func TestAnthropic_ParseResponse(t *testing.T) {
	body := `{
		"id": "msg_1",
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Checking the weather."},
			{"type": "tool_use", "name": "get_weather", "input": {"city": "SF"}}
		],
		"usage": {"input_tokens": 30, "output_tokens": 15}
	}`

	facts, err := NewAnthropicAdapter().ParseResponse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "tool_use", facts.FinishReason)
	assert.Equal(t, TokenUsage{Prompt: 30, Completion: 15, Total: 45}, facts.Usage)
	require.Len(t, facts.ToolUses, 1)
	assert.Equal(t, "get_weather", facts.ToolUses[0].Name)
	require.Len(t, facts.Content, 2)
}

func TestResponses_SessionChaining(t *testing.T) {
	adapter := NewOpenAIResponsesAdapter()

	first, err := adapter.ParseRequest([]byte(`{
		"model": "gpt-4o",
		"instructions": "You are a coding agent.",
		"input": "Write a test"
	}`))
	require.NoError(t, err)
	assert.Empty(t, first.SessionID, "no chain yet")
	assert.Equal(t, "You are a coding agent.", first.SystemPrompt)

	facts, err := adapter.ParseResponse([]byte(`{
		"id": "resp_1",
		"model": "gpt-4o",
		"status": "completed",
		"output": [{"type": "message", "content": [{"type": "output_text", "text": "done"}]}],
		"usage": {"input_tokens": 10, "output_tokens": 5, "total_tokens": 15}
	}`))
	require.NoError(t, err)
	adapter.NotifyResponse("session-abc", facts)

	second, err := adapter.ParseRequest([]byte(`{
		"model": "gpt-4o",
		"previous_response_id": "resp_1",
		"input": "Now run it"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "session-abc", second.SessionID, "chained call continues the session")

	// Unknown chain id falls back to the resolver path.
	third, err := adapter.ParseRequest([]byte(`{
		"model": "gpt-4o",
		"previous_response_id": "resp_unknown",
		"input": "Hello"
	}`))
	require.NoError(t, err)
	assert.Empty(t, third.SessionID)
}

func TestEventsForRequest_Order(t *testing.T) {
	adapter := NewOpenAIAdapter()
	inputs := &SessionInputs{
		Model:        "gpt-4o",
		SystemPrompt: "sys",
		ToolResults:  []ToolResultInput{{Name: "get_weather", Result: "Sunny, 75°F"}},
	}

	out := EventsForRequest(adapter, inputs, "session-1", true)
	require.Len(t, out, 3)
	assert.Equal(t, events.SessionStart, out[0].Name)
	// tool.result precedes llm.call.start.
	assert.Equal(t, events.ToolResult, out[1].Name)
	assert.Equal(t, events.LLMCallStart, out[2].Name)

	// Every event carries the deterministic trace/span derivation.
	for _, e := range out {
		assert.Equal(t, events.TraceSpanID("session-1"), e.TraceID)
		assert.Equal(t, e.TraceID, e.SpanID)
		assert.Len(t, e.TraceID, 32)
	}

	// Continuations skip session.start.
	cont := EventsForRequest(adapter, inputs, "session-1", false)
	require.Len(t, cont, 2)
	assert.Equal(t, events.ToolResult, cont[0].Name)
}

func TestEventsForResponse_FinishAndToolUses(t *testing.T) {
	adapter := NewAnthropicAdapter()
	inputs := &SessionInputs{Model: "claude-sonnet-4", SystemPrompt: "sys"}
	facts := &ResponseFacts{
		Model:        "claude-sonnet-4-20250514",
		FinishReason: "tool_use",
		Usage:        TokenUsage{Prompt: 10, Completion: 5, Total: 15},
		ToolUses:     []ToolUse{{Name: "search", Input: map[string]any{"q": "x"}}},
	}

	out := EventsForResponse(adapter, inputs, facts, "session-2", 321.5, 200)
	require.Len(t, out, 2)
	assert.Equal(t, events.LLMCallFinish, out[0].Name)
	assert.Equal(t, 15, out[0].IntAttr(events.AttrTotalTokens))
	assert.InDelta(t, 321.5, out[0].Float64Attr(events.AttrDurationMS), 0.001)
	assert.Equal(t, events.ToolExecution, out[1].Name)
	assert.Equal(t, "search", out[1].StringAttr(events.AttrToolName, ""))
}

func TestEventsForResponse_UpstreamError(t *testing.T) {
	adapter := NewOpenAIAdapter()
	inputs := &SessionInputs{Model: "gpt-4o"}

	out := EventsForResponse(adapter, inputs, nil, "session-3", 10, 429)
	require.Len(t, out, 1)
	assert.Equal(t, events.LLMCallError, out[0].Name)
	assert.Equal(t, 429, out[0].IntAttr(events.AttrStatusCode))
	assert.Equal(t, "upstream", out[0].StringAttr(events.AttrErrorType, ""))
	assert.True(t, out[0].IsError())
}
