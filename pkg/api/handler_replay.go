package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// replayEnvKeys maps provider type to the API-key environment variable.
var replayEnvKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// replayRequest is the body of POST /api/replay.
type replayRequest struct {
	Provider    string         `json:"provider"`
	BaseURL     string         `json:"base_url"`
	APIKey      string         `json:"api_key"`
	RequestData map[string]any `json:"request_data"`
}

// replayConfigHandler handles GET /api/replay/config: provider, base URL,
// and masked API-key availability for the replay UI.
func (s *Server) replayConfigHandler(c *echo.Context) error {
	provider := s.cfg.Upstream.ProviderType
	apiKey, source := s.replayAPIKey(provider, "")

	var masked string
	if apiKey != "" {
		if len(apiKey) > 4 {
			masked = strings.Repeat("•", 8) + apiKey[len(apiKey)-4:]
		} else {
			masked = strings.Repeat("•", len(apiKey))
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"provider_type":     provider,
		"base_url":          s.cfg.Upstream.BaseURL,
		"api_key_available": apiKey != "",
		"api_key_masked":    masked,
		"api_key_source":    source,
	})
}

// replayHandler handles POST /api/replay: sends one reconstructed request
// directly to the LLM provider (not through the proxy path) and returns the
// normalized response with cost estimates. Expiry of the hard timeout
// returns 504.
func (s *Server) replayHandler(c *echo.Context) error {
	var req replayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	provider := req.Provider
	if provider == "" {
		provider = s.cfg.Upstream.ProviderType
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = s.cfg.Upstream.BaseURL
	}
	apiKey, _ := s.replayAPIKey(provider, req.APIKey)
	if apiKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no API key available; please provide one")
	}

	url, headers, err := replayTarget(provider, baseURL, apiKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Replay is always non-streaming.
	if req.RequestData == nil {
		req.RequestData = map[string]any{}
	}
	req.RequestData["stream"] = false

	body, err := json.Marshal(req.RequestData)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request_data")
	}

	timeout := s.cfg.Upstream.RequestTimeout()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build replay request")
	}
	for key, value := range headers {
		upstreamReq.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(upstreamReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "the LLM took too long to respond")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "replay request failed")
	}
	defer resp.Body.Close()
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000

	var llmResponse map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&llmResponse); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "failed to decode LLM response")
	}
	if resp.StatusCode != http.StatusOK {
		return c.JSON(resp.StatusCode, map[string]any{
			"error":   "LLM API error",
			"status":  resp.StatusCode,
			"details": llmResponse,
		})
	}

	model, _ := llmResponse["model"].(string)
	if model == "" {
		model, _ = req.RequestData["model"].(string)
	}
	promptTokens, completionTokens := usageTokens(llmResponse)
	inputCost, outputCost, totalCost := s.pricing.Cost(model, promptTokens, completionTokens)

	content, toolCalls, finishReason := parseReplayContent(provider, llmResponse)

	return c.JSON(http.StatusOK, map[string]any{
		"provider":     provider,
		"raw_response": llmResponse,
		"elapsed_ms":   elapsedMS,
		"cost": map[string]any{
			"input":  inputCost,
			"output": outputCost,
			"total":  totalCost,
		},
		"parsed": map[string]any{
			"content":       content,
			"tool_calls":    toolCalls,
			"model":         llmResponse["model"],
			"usage":         llmResponse["usage"],
			"finish_reason": finishReason,
		},
	})
}

// replayAPIKey resolves the key: explicit > configured > environment.
func (s *Server) replayAPIKey(provider, explicit string) (key, source string) {
	if explicit != "" {
		return explicit, "request"
	}
	if s.cfg.Upstream.APIKey != "" {
		return s.cfg.Upstream.APIKey, "proxy_config"
	}
	if env := replayEnvKeys[provider]; env != "" {
		if key := os.Getenv(env); key != "" {
			return key, "environment (" + env + ")"
		}
	}
	return "", ""
}

// replayTarget builds the provider endpoint URL and auth headers. Base URLs
// may or may not include /v1.
func replayTarget(provider, baseURL, apiKey string) (string, map[string]string, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	withV1 := baseURL
	if !strings.HasSuffix(baseURL, "/v1") {
		withV1 = baseURL + "/v1"
	}

	switch provider {
	case "openai":
		return withV1 + "/chat/completions", map[string]string{
			"Authorization": "Bearer " + apiKey,
			"Content-Type":  "application/json",
		}, nil
	case "anthropic":
		return withV1 + "/messages", map[string]string{
			"x-api-key":         apiKey,
			"Content-Type":      "application/json",
			"anthropic-version": "2023-06-01",
		}, nil
	default:
		return "", nil, errors.New("unsupported provider: " + provider)
	}
}

// usageTokens normalizes vendor token-count field names.
func usageTokens(response map[string]any) (prompt, completion int) {
	usage, ok := response["usage"].(map[string]any)
	if !ok {
		return 0, 0
	}
	num := func(keys ...string) int {
		for _, key := range keys {
			if v, ok := usage[key].(float64); ok {
				return int(v)
			}
		}
		return 0
	}
	return num("prompt_tokens", "input_tokens"), num("completion_tokens", "output_tokens")
}

// parseReplayContent normalizes response content across vendors into
// {type:text|tool_use} blocks.
func parseReplayContent(provider string, response map[string]any) (content []map[string]any, toolCalls []map[string]any, finishReason any) {
	content = []map[string]any{}
	toolCalls = []map[string]any{}

	switch provider {
	case "openai":
		choices, _ := response["choices"].([]any)
		if len(choices) == 0 {
			return content, toolCalls, nil
		}
		choice, _ := choices[0].(map[string]any)
		finishReason = choice["finish_reason"]
		message, _ := choice["message"].(map[string]any)
		if text, ok := message["content"].(string); ok && text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		calls, _ := message["tool_calls"].([]any)
		for _, raw := range calls {
			call, _ := raw.(map[string]any)
			function, _ := call["function"].(map[string]any)
			entry := map[string]any{
				"name":  function["name"],
				"input": function["arguments"],
			}
			toolCalls = append(toolCalls, entry)
			content = append(content, map[string]any{
				"type": "tool_use", "name": function["name"], "input": function["arguments"],
			})
		}

	case "anthropic":
		finishReason = response["stop_reason"]
		blocks, _ := response["content"].([]any)
		for _, raw := range blocks {
			block, _ := raw.(map[string]any)
			switch block["type"] {
			case "text":
				content = append(content, map[string]any{"type": "text", "text": block["text"]})
			case "tool_use":
				entry := map[string]any{"name": block["name"], "input": block["input"]}
				toolCalls = append(toolCalls, entry)
				content = append(content, map[string]any{
					"type": "tool_use", "name": block["name"], "input": block["input"],
				})
			}
		}
	}
	return content, toolCalls, finishReason
}
