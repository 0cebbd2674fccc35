// Package providers parses the request/response bodies of each upstream LLM
// vendor and derives the events emitted at the proxy hooks.
package providers

import (
	"net/http"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
)

// ToolResultInput is one tool result carried in an upstream request.
type ToolResultInput struct {
	Name   string
	Result any
}

// SessionInputs is everything an adapter extracts from one request body.
type SessionInputs struct {
	Messages     []sessionid.Message
	SystemPrompt string
	Model        string
	IsStreaming  bool
	Tools        []string
	ToolResults  []ToolResultInput

	// SessionID is set when the adapter resolved the session itself (the
	// Responses API chains previous_response_id instead of resending
	// history). Empty means the caller runs the signature resolver.
	SessionID string
}

// TokenUsage is the normalized token accounting of one response.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ToolUse is one tool invocation the assistant requested in its response.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// ResponseFacts is everything an adapter extracts from one response body.
type ResponseFacts struct {
	ResponseID        string
	Model             string
	FinishReason      string
	SystemFingerprint string
	Refusal           string
	Usage             TokenUsage
	ToolUses          []ToolUse
	Content           []map[string]any
}

// Adapter parses one vendor's wire format.
type Adapter interface {
	// Name is the vendor tag stamped on events ("openai", "anthropic").
	Name() string
	// CanHandle reports whether this adapter parses the request's path.
	CanHandle(r *http.Request) bool
	// ParseRequest extracts session inputs from a request body.
	ParseRequest(body []byte) (*SessionInputs, error)
	// ParseResponse extracts response facts from a response body.
	ParseResponse(body []byte) (*ResponseFacts, error)
	// NotifyResponse lets the adapter record response→session bookkeeping
	// after a response was attributed to a session.
	NotifyResponse(sessionID string, facts *ResponseFacts)
}

// EventsForRequest derives the events emitted before the request is
// forwarded: session.start for new sessions, one tool.result per tool
// result in the request, then llm.call.start.
func EventsForRequest(adapter Adapter, inputs *SessionInputs, sessionID string, isNew bool) []*events.Event {
	if sessionID == "" {
		return nil
	}
	systemPromptID := events.SystemPromptID(inputs.SystemPrompt)

	var out []*events.Event
	if isNew {
		out = append(out, events.NewSessionStart(sessionID, systemPromptID, "", "gateway"))
	}
	for _, toolResult := range inputs.ToolResults {
		name := toolResult.Name
		if name == "" {
			name = "unknown"
		}
		out = append(out, events.NewToolResult(sessionID, systemPromptID, "", name, toolResult.Result))
	}
	if inputs.Model != "" {
		requestData := map[string]any{
			"model":     inputs.Model,
			"streaming": inputs.IsStreaming,
		}
		if len(inputs.Tools) > 0 {
			tools := make([]any, 0, len(inputs.Tools))
			for _, name := range inputs.Tools {
				tools = append(tools, map[string]any{"name": name})
			}
			requestData["tools"] = tools
		}
		out = append(out, events.NewLLMCallStart(sessionID, systemPromptID, "", adapter.Name(), inputs.Model, requestData))
	}
	return out
}

// EventsForResponse derives the events emitted after the response:
// llm.call.finish (or llm.call.error for non-2xx), then one tool.execution
// per tool-use block the assistant requested.
func EventsForResponse(adapter Adapter, inputs *SessionInputs, facts *ResponseFacts, sessionID string, durationMS float64, statusCode int) []*events.Event {
	if sessionID == "" {
		return nil
	}
	systemPromptID := events.SystemPromptID(inputs.SystemPrompt)

	if statusCode < 200 || statusCode >= 300 {
		return []*events.Event{
			events.NewLLMCallError(sessionID, systemPromptID, "", adapter.Name(),
				"upstream", http.StatusText(statusCode), statusCode),
		}
	}

	model := inputs.Model
	usage := TokenUsage{}
	finishReason := ""
	var toolUses []ToolUse
	if facts != nil {
		if facts.Model != "" {
			model = facts.Model
		}
		usage = facts.Usage
		finishReason = facts.FinishReason
		toolUses = facts.ToolUses
	}

	out := []*events.Event{
		events.NewLLMCallFinish(sessionID, systemPromptID, "", adapter.Name(), model,
			durationMS, usage.Prompt, usage.Completion, usage.Total, finishReason),
	}
	for _, toolUse := range toolUses {
		name := toolUse.Name
		if name == "" {
			name = "unknown"
		}
		out = append(out, events.NewToolExecution(sessionID, systemPromptID, "", name, toolUse.Input))
	}
	return out
}
