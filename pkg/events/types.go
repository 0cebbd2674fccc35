// Package events defines the typed event records emitted at each proxy hook
// and the live broadcast channel that streams them to dashboard clients.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Name identifies the hook that produced an event.
type Name string

const (
	SessionStart  Name = "session.start"
	LLMCallStart  Name = "llm.call.start"
	LLMCallFinish Name = "llm.call.finish"
	LLMCallError  Name = "llm.call.error"
	ToolExecution Name = "tool.execution"
	ToolResult    Name = "tool.result"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Attribute keys shared between providers and the trace store. Vendor-specific
// extras go into the same map under their own keys.
const (
	AttrVendor       = "llm.vendor"
	AttrModel        = "llm.request.model"
	AttrRequestData  = "llm.request.data"
	AttrDurationMS   = "llm.response.duration_ms"
	AttrInputTokens  = "llm.usage.input_tokens"
	AttrOutputTokens = "llm.usage.output_tokens"
	AttrTotalTokens  = "llm.usage.total_tokens"
	AttrFinishReason = "llm.response.finish_reason"
	AttrStatusCode   = "llm.response.status_code"
	AttrToolName     = "tool.name"
	AttrToolParams   = "tool.params"
	AttrToolResult   = "tool.result"
	AttrToolStatus   = "tool.status"
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
	AttrClientType   = "session.client_type"
)

// Event is an immutable record produced once at a proxy hook. Events are
// shared read-only after creation; the attributes map must not be mutated.
type Event struct {
	Name           Name           `json:"name"`
	SessionID      string         `json:"session_id"`
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	SystemPromptID string         `json:"system_prompt_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Level          Level          `json:"level"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// IsError reports whether the event name carries error semantics.
func (e *Event) IsError() bool {
	return e.Name == LLMCallError || e.Level == LevelError
}

// StringAttr returns a string attribute, or def when absent or mistyped.
func (e *Event) StringAttr(key, def string) string {
	if v, ok := e.Attributes[key].(string); ok {
		return v
	}
	return def
}

// Float64Attr returns a numeric attribute as float64, or 0 when absent.
// JSON round-trips store all numbers as float64; int is handled for
// events that never left the process.
func (e *Event) Float64Attr(key string) float64 {
	switch v := e.Attributes[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// IntAttr returns a numeric attribute as int, or 0 when absent.
func (e *Event) IntAttr(key string) int {
	return int(e.Float64Attr(key))
}

// MapAttr returns a map attribute, or nil when absent or mistyped.
func (e *Event) MapAttr(key string) map[string]any {
	if v, ok := e.Attributes[key].(map[string]any); ok {
		return v
	}
	return nil
}

// TraceSpanID derives the deterministic 32-hex trace/span identifier for a
// session. Trace and span ids are identical by construction so that all
// events of one conversation correlate under a single trace.
func TraceSpanID(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:16])
}

// SystemPromptID derives the fine-grained agent identifier from a system
// prompt. Requests without a system prompt share a stable default bucket.
func SystemPromptID(systemPrompt string) string {
	if systemPrompt == "" {
		systemPrompt = "default-system"
	}
	sum := sha256.Sum256([]byte(systemPrompt))
	return "prompt-" + hex.EncodeToString(sum[:])[:12]
}

func now() time.Time {
	return time.Now().UTC()
}

// NewSessionStart creates the session.start event. It is emitted exactly once
// per session id, on the first request that minted the id.
func NewSessionStart(sessionID, systemPromptID, agentID, clientType string) *Event {
	return &Event{
		Name:           SessionStart,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelInfo,
		Attributes: map[string]any{
			AttrClientType: clientType,
		},
	}
}

// NewLLMCallStart creates the llm.call.start event carrying the parsed
// request data (model, tools, streaming flag).
func NewLLMCallStart(sessionID, systemPromptID, agentID, vendor, model string, requestData map[string]any) *Event {
	return &Event{
		Name:           LLMCallStart,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelInfo,
		Attributes: map[string]any{
			AttrVendor:      vendor,
			AttrModel:       model,
			AttrRequestData: requestData,
		},
	}
}

// NewLLMCallFinish creates the llm.call.finish event. Token counts may be
// zero when the upstream response carried no usage block.
func NewLLMCallFinish(sessionID, systemPromptID, agentID, vendor, model string, durationMS float64, inputTokens, outputTokens, totalTokens int, finishReason string) *Event {
	return &Event{
		Name:           LLMCallFinish,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelInfo,
		Attributes: map[string]any{
			AttrVendor:       vendor,
			AttrModel:        model,
			AttrDurationMS:   durationMS,
			AttrInputTokens:  inputTokens,
			AttrOutputTokens: outputTokens,
			AttrTotalTokens:  totalTokens,
			AttrFinishReason: finishReason,
		},
	}
}

// NewLLMCallError creates the llm.call.error event for upstream failures and
// parse errors. The kind distinguishes "upstream" from "parse".
func NewLLMCallError(sessionID, systemPromptID, agentID, vendor, kind, message string, statusCode int) *Event {
	return &Event{
		Name:           LLMCallError,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelError,
		Attributes: map[string]any{
			AttrVendor:       vendor,
			AttrErrorType:    kind,
			AttrErrorMessage: message,
			AttrStatusCode:   statusCode,
		},
	}
}

// NewToolExecution creates a tool.execution event for one tool-use block the
// assistant requested in its response.
func NewToolExecution(sessionID, systemPromptID, agentID, toolName string, params map[string]any) *Event {
	return &Event{
		Name:           ToolExecution,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelInfo,
		Attributes: map[string]any{
			AttrToolName:   toolName,
			AttrToolParams: params,
		},
	}
}

// NewToolResult creates a tool.result event for a tool result present in a
// request (the round-trip of an earlier tool.execution).
func NewToolResult(sessionID, systemPromptID, agentID, toolName string, result any) *Event {
	return &Event{
		Name:           ToolResult,
		SessionID:      sessionID,
		TraceID:        TraceSpanID(sessionID),
		SpanID:         TraceSpanID(sessionID),
		AgentID:        agentID,
		SystemPromptID: systemPromptID,
		Timestamp:      now(),
		Level:          LevelInfo,
		Attributes: map[string]any{
			AttrToolName:   toolName,
			AttrToolResult: result,
			AttrToolStatus: "success",
		},
	}
}
