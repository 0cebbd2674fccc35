package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
)

// AnthropicAdapter parses the messages-API wire format. Decoding uses local
// wire structs: the official SDK's request types are parameter builders and
// do not round-trip raw proxied JSON.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates the messages-API adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// CanHandle matches /messages with or without the /v1 prefix.
func (a *AnthropicAdapter) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/messages")
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicRequest struct {
	Model    string             `json:"model"`
	System   json.RawMessage    `json:"system,omitempty"`
	Messages []anthropicMessage `json:"messages"`
	Stream   bool               `json:"stream,omitempty"`
	Tools    []struct {
		Name string `json:"name"`
	} `json:"tools,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseRequest implements Adapter.
func (a *AnthropicAdapter) ParseRequest(body []byte) (*SessionInputs, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic request: %w", err)
	}

	inputs := &SessionInputs{
		Model:        req.Model,
		IsStreaming:  req.Stream,
		SystemPrompt: systemPromptText(req.System),
	}

	for _, msg := range req.Messages {
		blocks, text := contentBlocks(msg.Content)
		role := msg.Role

		// tool_result blocks arrive inside user messages; surface them as
		// tool results and give the message the tool role so the resolver's
		// truncation point stays on real user turns.
		hasToolResult := false
		for _, block := range blocks {
			if block.Type == "tool_result" {
				hasToolResult = true
				name := block.ToolUseID
				if name == "" {
					name = "unknown"
				}
				inputs.ToolResults = append(inputs.ToolResults, ToolResultInput{
					Name:   name,
					Result: rawContentText(block.Content),
				})
			}
		}
		if hasToolResult && role == "user" {
			role = "tool"
		}

		inputs.Messages = append(inputs.Messages, sessionid.Message{Role: role, Content: text})
	}

	for _, tool := range req.Tools {
		if tool.Name != "" {
			inputs.Tools = append(inputs.Tools, tool.Name)
		}
	}
	return inputs, nil
}

// ParseResponse implements Adapter.
func (a *AnthropicAdapter) ParseResponse(body []byte) (*ResponseFacts, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	facts := &ResponseFacts{
		ResponseID:   resp.ID,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Usage: TokenUsage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			facts.Content = append(facts.Content, map[string]any{
				"type": "text",
				"text": block.Text,
			})
		case "tool_use":
			facts.ToolUses = append(facts.ToolUses, ToolUse{Name: block.Name, Input: block.Input})
			facts.Content = append(facts.Content, map[string]any{
				"type":  "tool_use",
				"name":  block.Name,
				"input": block.Input,
			})
		}
	}
	return facts, nil
}

// NotifyResponse implements Adapter.
func (a *AnthropicAdapter) NotifyResponse(string, *ResponseFacts) {}

// systemPromptText handles both the string form and the block-list form of
// the system field.
func systemPromptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return ""
}

// contentBlocks decodes a message content field (string or block list) and
// returns the blocks plus the concatenated text.
func contentBlocks(raw json.RawMessage) ([]anthropicContentBlock, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return blocks, b.String()
}

// rawContentText extracts the text of a tool_result content field, which may
// be a plain string or nested blocks.
func rawContentText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
