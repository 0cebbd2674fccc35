package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
)

// responseMapCapacity bounds the response_id → session_id FIFO.
const responseMapCapacity = 10000

// OpenAIResponsesAdapter parses the Responses API wire format. The API is
// stateful upstream: requests chain previous_response_id instead of
// resending history, so the adapter keeps a bounded FIFO of
// response_id → session_id to continue sessions across calls.
type OpenAIResponsesAdapter struct {
	mu       sync.Mutex
	sessions map[string]string
	order    []string
}

// NewOpenAIResponsesAdapter creates the Responses API adapter.
func NewOpenAIResponsesAdapter() *OpenAIResponsesAdapter {
	return &OpenAIResponsesAdapter{
		sessions: make(map[string]string),
	}
}

// Name implements Adapter.
func (a *OpenAIResponsesAdapter) Name() string { return "openai" }

// CanHandle matches /responses with or without the /v1 prefix.
func (a *OpenAIResponsesAdapter) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/responses")
}

type responsesRequest struct {
	Model              string          `json:"model"`
	Instructions       string          `json:"instructions,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	Tools              []struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	} `json:"tools,omitempty"`
}

type responsesOutputItem struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responsesResponse struct {
	ID     string                `json:"id"`
	Model  string                `json:"model"`
	Status string                `json:"status"`
	Output []responsesOutputItem `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseRequest implements Adapter. A previous_response_id hit resolves the
// session directly; otherwise the instructions and input flow through the
// signature resolver like a first message.
func (a *OpenAIResponsesAdapter) ParseRequest(body []byte) (*SessionInputs, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse responses request: %w", err)
	}

	inputs := &SessionInputs{
		Model:        req.Model,
		IsStreaming:  req.Stream,
		SystemPrompt: req.Instructions,
	}

	if req.PreviousResponseID != "" {
		a.mu.Lock()
		inputs.SessionID = a.sessions[req.PreviousResponseID]
		a.mu.Unlock()
	}

	inputs.Messages = append(inputs.Messages, sessionid.Message{
		Role:    "user",
		Content: inputText(req.Input),
	})

	for _, tool := range req.Tools {
		name := tool.Name
		if name == "" {
			name = tool.Type
		}
		if name != "" {
			inputs.Tools = append(inputs.Tools, name)
		}
	}
	return inputs, nil
}

// ParseResponse implements Adapter.
func (a *OpenAIResponsesAdapter) ParseResponse(body []byte) (*ResponseFacts, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse responses response: %w", err)
	}

	facts := &ResponseFacts{
		ResponseID:   resp.ID,
		Model:        resp.Model,
		FinishReason: resp.Status,
		Usage: TokenUsage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				if content.Type == "output_text" && content.Text != "" {
					facts.Content = append(facts.Content, map[string]any{
						"type": "text",
						"text": content.Text,
					})
				}
			}
		case "function_call", "tool_call":
			input := map[string]any{}
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &input); err != nil {
					input = map[string]any{"raw": item.Arguments}
				}
			}
			facts.ToolUses = append(facts.ToolUses, ToolUse{Name: item.Name, Input: input})
		}
	}
	return facts, nil
}

// NotifyResponse records the response id so the next request's
// previous_response_id resolves back to this session. FIFO-bounded.
func (a *OpenAIResponsesAdapter) NotifyResponse(sessionID string, facts *ResponseFacts) {
	if facts == nil || facts.ResponseID == "" || sessionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.sessions[facts.ResponseID]; !exists {
		a.order = append(a.order, facts.ResponseID)
	}
	a.sessions[facts.ResponseID] = sessionID

	for len(a.order) > responseMapCapacity {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.sessions, oldest)
	}
}

// inputText flattens the Responses API input field, which may be a string or
// a list of typed items.
func inputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item.Content, &text); err == nil {
			b.WriteString(text)
			continue
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item.Content, &parts); err == nil {
			for _, part := range parts {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}
