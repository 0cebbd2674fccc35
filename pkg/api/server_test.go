package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/insights"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/pricing"
	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

type apiFixture struct {
	server *httptest.Server
	store  *store.TraceStore
	cfg    *config.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.Store.StorageMode = "memory"

	db, err := store.Open(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	traceStore := store.New(db, cfg.Store)

	engine := insights.NewEngine(traceStore, cfg)
	resolver := sessionid.New(100, time.Hour)
	pricingService := pricing.NewService("", "")
	broadcaster := events.NewBroadcaster(time.Second)

	server := NewServer(cfg, engine, traceStore, resolver, pricingService, broadcaster, nil, nil)
	testServer := httptest.NewServer(server.Echo())
	t.Cleanup(testServer.Close)

	return &apiFixture{server: testServer, store: traceStore, cfg: cfg}
}

func (f *apiFixture) getJSON(t *testing.T, path string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func (f *apiFixture) sendJSON(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func (f *apiFixture) seedSession(t *testing.T, promptID string) string {
	t.Helper()
	sessionID := uuid.New().String()
	require.NoError(t, f.store.AddEvent(
		events.NewSessionStart(sessionID, promptID, "proj-1", "gateway"), "", ""))
	require.NoError(t, f.store.AddEvent(
		events.NewLLMCallStart(sessionID, promptID, "proj-1", "openai", "gpt-4o", nil), "", ""))
	require.NoError(t, f.store.AddEvent(
		events.NewLLMCallFinish(sessionID, promptID, "proj-1", "openai", "gpt-4o", 80, 20, 10, 30, "stop"), "", ""))
	return sessionID
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	payload := f.getJSON(t, "/health", http.StatusOK)
	assert.Equal(t, "healthy", payload["status"])
	assert.NotEmpty(t, payload["version"])
}

func TestDashboard(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "prompt-dash")

	payload := f.getJSON(t, "/api/dashboard", http.StatusOK)
	agents := payload["agents"].([]any)
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]any)
	assert.Equal(t, "prompt-dash", agent["system_prompt_id"])
	assert.EqualValues(t, 1, agent["total_sessions"])

	sessions := payload["sessions"].([]any)
	assert.Len(t, sessions, 1)
	assert.NotNil(t, payload["latest_session"])
}

func TestAgentDetail(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "prompt-detail")

	payload := f.getJSON(t, "/api/agent/prompt-detail", http.StatusOK)
	assert.Equal(t, "prompt-detail", payload["system_prompt_id"])
	assert.NotNil(t, payload["patterns"])
	assert.NotNil(t, payload["risk_analysis"])

	risk := payload["risk_analysis"].(map[string]any)
	// Below the 5-session minimum the evaluation is INSUFFICIENT_DATA.
	assert.Equal(t, models.EvaluationInsufficientData, risk["evaluation_status"])

	f.getJSON(t, "/api/agent/missing", http.StatusNotFound)
}

func TestSessionDetailAndList(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.seedSession(t, "prompt-list")

	payload := f.getJSON(t, "/api/session/"+sessionID, http.StatusOK)
	assert.Equal(t, sessionID, payload["session_id"])
	assert.Equal(t, "ACTIVE", payload["status"])
	timeline := payload["timeline"].([]any)
	assert.Len(t, timeline, 3)

	page := f.getJSON(t, "/api/sessions/list?system_prompt_id=prompt-list&status=ACTIVE", http.StatusOK)
	assert.EqualValues(t, 1, page["total_count"])

	empty := f.getJSON(t, "/api/sessions/list?status=COMPLETED", http.StatusOK)
	assert.EqualValues(t, 0, empty["total_count"])

	resp, err := http.Get(f.server.URL + "/api/sessions/list?status=BOGUS")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFindingsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	created := f.sendJSON(t, http.MethodPost, "/api/sessions/analysis", map[string]any{
		"session_id":   "analysis-api",
		"agent_id":     "workflow-1",
		"session_type": "STATIC",
	}, http.StatusOK)
	assert.Equal(t, "IN_PROGRESS", created["status"])

	finding := f.sendJSON(t, http.MethodPost, "/api/findings", map[string]any{
		"session_id":   "analysis-api",
		"agent_id":     "workflow-1",
		"file_path":    "src/agent.py",
		"finding_type": "SECRET_IN_PROMPT",
		"severity":     "CRITICAL",
		"title":        "Hardcoded credential in prompt",
	}, http.StatusOK)
	findingID := finding["finding_id"].(string)

	// Idempotent insert: same inputs return the same finding id.
	dup := f.sendJSON(t, http.MethodPost, "/api/findings", map[string]any{
		"session_id":   "analysis-api",
		"agent_id":     "workflow-1",
		"file_path":    "src/agent.py",
		"finding_type": "SECRET_IN_PROMPT",
		"severity":     "CRITICAL",
		"title":        "Hardcoded credential in prompt",
	}, http.StatusOK)
	assert.Equal(t, findingID, dup["finding_id"])

	listed := f.getJSON(t, "/api/workflow/workflow-1/findings", http.StatusOK)
	assert.EqualValues(t, 1, listed["count"])

	patched := f.sendJSON(t, http.MethodPatch, "/api/finding/"+findingID, map[string]any{
		"status": "FIXED",
		"notes":  "rotated credentials",
	}, http.StatusOK)
	assert.Equal(t, "FIXED", patched["status"])

	completed := f.sendJSON(t, http.MethodPost, "/api/sessions/analysis/analysis-api/complete",
		map[string]any{}, http.StatusOK)
	assert.Equal(t, "COMPLETED", completed["status"])
	assert.EqualValues(t, 1, completed["findings_count"])
}

func TestStatsAndConfig(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "prompt-stats")

	stats := f.getJSON(t, "/api/stats", http.StatusOK)
	assert.EqualValues(t, 3, stats["total_events"])
	assert.EqualValues(t, 1, stats["total_sessions"])

	cfg := f.getJSON(t, "/api/config", http.StatusOK)
	assert.Equal(t, "openai", cfg["provider_type"])
	assert.NotNil(t, cfg["resolver"])

	modelsPayload := f.getJSON(t, "/api/models", http.StatusOK)
	assert.NotEmpty(t, modelsPayload["models"])
}

func TestReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-replay", r.Header.Get("Authorization"))

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, false, body["stream"], "replay is never streaming")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Replayed"},
			}},
			"usage": map[string]any{"prompt_tokens": 1000000, "completion_tokens": 100000, "total_tokens": 1100000},
		})
	}))
	defer upstream.Close()

	f := newAPIFixture(t)
	payload := f.sendJSON(t, http.MethodPost, "/api/replay", map[string]any{
		"provider": "openai",
		"base_url": upstream.URL,
		"api_key":  "sk-replay",
		"request_data": map[string]any{
			"model":    "gpt-4o",
			"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		},
	}, http.StatusOK)

	cost := payload["cost"].(map[string]any)
	assert.InDelta(t, 2.50, cost["input"].(float64), 1e-6)
	assert.InDelta(t, 1.00, cost["output"].(float64), 1e-6)
	assert.InDelta(t, 3.50, cost["total"].(float64), 1e-6)

	parsed := payload["parsed"].(map[string]any)
	assert.Equal(t, "stop", parsed["finish_reason"])
	content := parsed["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "Replayed", content[0].(map[string]any)["text"])
	assert.Greater(t, payload["elapsed_ms"].(float64), 0.0)
}

func TestReplayConfig(t *testing.T) {
	f := newAPIFixture(t)
	f.cfg.Upstream.APIKey = "sk-1234567890"

	payload := f.getJSON(t, "/api/replay/config", http.StatusOK)
	assert.Equal(t, "openai", payload["provider_type"])
	assert.Equal(t, true, payload["api_key_available"])
	masked := payload["api_key_masked"].(string)
	assert.Contains(t, masked, "7890")
	assert.NotContains(t, masked, "sk-123456")
}

func TestReplayWithoutKey(t *testing.T) {
	f := newAPIFixture(t)
	t.Setenv("OPENAI_API_KEY", "")

	resp, err := http.Post(f.server.URL+"/api/replay", "application/json",
		bytes.NewReader([]byte(`{"provider": "openai", "request_data": {}}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalysisSessionList(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		f.sendJSON(t, http.MethodPost, "/api/sessions/analysis", map[string]any{
			"session_id": fmt.Sprintf("analysis-%d", i),
			"agent_id":   "agent-list",
		}, http.StatusOK)
	}

	payload := f.getJSON(t, "/api/sessions/analysis?agent_id=agent-list", http.StatusOK)
	assert.EqualValues(t, 3, payload["count"])

	single := f.getJSON(t, "/api/session/analysis-1/analysis", http.StatusOK)
	assert.Equal(t, "analysis-1", single["session_id"])
}
