package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
)

// OpenAIAdapter parses the chat-completions wire format.
type OpenAIAdapter struct{}

// NewOpenAIAdapter creates the chat-completions adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return "openai" }

// CanHandle matches /chat/completions with or without the /v1 prefix.
func (a *OpenAIAdapter) CanHandle(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/chat/completions")
}

// ParseRequest implements Adapter.
func (a *OpenAIAdapter) ParseRequest(body []byte) (*SessionInputs, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse openai request: %w", err)
	}

	inputs := &SessionInputs{
		Model:       req.Model,
		IsStreaming: req.Stream,
	}

	for _, msg := range req.Messages {
		content := messageText(msg)
		switch msg.Role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleDeveloper:
			if inputs.SystemPrompt == "" {
				inputs.SystemPrompt = content
			}
			inputs.Messages = append(inputs.Messages, sessionid.Message{Role: "system", Content: content})
		case openai.ChatMessageRoleTool:
			name := msg.Name
			if name == "" {
				name = msg.ToolCallID
			}
			inputs.ToolResults = append(inputs.ToolResults, ToolResultInput{Name: name, Result: content})
			inputs.Messages = append(inputs.Messages, sessionid.Message{Role: "tool", Content: content})
		default:
			inputs.Messages = append(inputs.Messages, sessionid.Message{Role: msg.Role, Content: content})
		}
	}

	for _, tool := range req.Tools {
		if tool.Function != nil && tool.Function.Name != "" {
			inputs.Tools = append(inputs.Tools, tool.Function.Name)
		}
	}
	return inputs, nil
}

// ParseResponse implements Adapter.
func (a *OpenAIAdapter) ParseResponse(body []byte) (*ResponseFacts, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse openai response: %w", err)
	}

	facts := &ResponseFacts{
		ResponseID:        resp.ID,
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
		Usage: TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}

	for _, choice := range resp.Choices {
		facts.FinishReason = string(choice.FinishReason)
		if choice.Message.Refusal != "" {
			facts.Refusal = choice.Message.Refusal
		}
		if choice.Message.Content != "" {
			facts.Content = append(facts.Content, map[string]any{
				"type": "text",
				"text": choice.Message.Content,
			})
		}
		for _, call := range choice.Message.ToolCalls {
			input := map[string]any{}
			if call.Function.Arguments != "" {
				// Arguments arrive as a JSON string; a parse failure keeps
				// the raw string as evidence.
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					input = map[string]any{"raw": call.Function.Arguments}
				}
			}
			facts.ToolUses = append(facts.ToolUses, ToolUse{
				Name:  call.Function.Name,
				Input: input,
			})
			facts.Content = append(facts.Content, map[string]any{
				"type":  "tool_use",
				"name":  call.Function.Name,
				"input": input,
			})
		}
	}
	return facts, nil
}

// NotifyResponse implements Adapter. Chat completions resend history, so no
// response bookkeeping is needed.
func (a *OpenAIAdapter) NotifyResponse(string, *ResponseFacts) {}

// messageText extracts the text content of a message; structured content
// concatenates text parts only.
func messageText(msg openai.ChatCompletionMessage) string {
	if msg.Content != "" {
		return msg.Content
	}
	var b strings.Builder
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
