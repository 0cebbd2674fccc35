package insights

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.TraceStore) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.StorageMode = "memory"

	db, err := store.Open(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	traceStore := store.New(db, cfg.Store)
	return NewEngine(traceStore, cfg), traceStore
}

func seedCompletedSessions(t *testing.T, traceStore *store.TraceStore, promptID string, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		sessionID := uuid.New().String()
		ids = append(ids, sessionID)
		require.NoError(t, traceStore.AddEvent(
			events.NewLLMCallStart(sessionID, promptID, "", "openai", "gpt-4o", map[string]any{
				"tools": []any{map[string]any{"name": "search"}},
			}), "", ""))
		require.NoError(t, traceStore.AddEvent(
			events.NewToolExecution(sessionID, promptID, "", "search", nil), "", ""))
		require.NoError(t, traceStore.AddEvent(
			events.NewLLMCallFinish(sessionID, promptID, "", "openai", "gpt-4o", 100, 50, 50, 100, "stop"), "", ""))
	}
	time.Sleep(10 * time.Millisecond)
	_, err := traceStore.CheckAndCompleteSessions(time.Millisecond)
	require.NoError(t, err)
	return ids
}

func TestComputeRiskAnalysis_InsufficientData(t *testing.T) {
	engine, traceStore := newTestEngine(t)
	promptID := "prompt-insufficient"
	seedCompletedSessions(t, traceStore, promptID, 2)

	result, err := engine.ComputeRiskAnalysis(promptID)
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationInsufficientData, result.EvaluationStatus)
	assert.Equal(t, 2, result.SessionsAnalyzed)
	assert.NotEmpty(t, result.Error)
}

func TestComputeRiskAnalysis_Complete(t *testing.T) {
	engine, traceStore := newTestEngine(t)
	promptID := "prompt-complete"
	seedCompletedSessions(t, traceStore, promptID, 6)

	result, err := engine.ComputeRiskAnalysis(promptID)
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationComplete, result.EvaluationStatus)
	require.NotNil(t, result.BehavioralAnalysis)
	require.NotNil(t, result.SecurityReport)
	assert.Equal(t, 6, result.BehavioralAnalysis.TotalSessions)
	assert.Len(t, result.AnalyzedSessionIDs, 6)

	// Identical sessions form one cluster with perfect stability.
	assert.Equal(t, 1, result.BehavioralAnalysis.NumClusters)
	assert.Equal(t, 1.0, result.BehavioralAnalysis.StabilityScore)

	// Percentiles froze on the agent as a side effect.
	agent, err := traceStore.GetAgent(promptID)
	require.NoError(t, err)
	assert.NotNil(t, agent.CachedPercentiles)

	// Signatures were persisted onto the session rows.
	sessions, err := traceStore.GetAgentSessions(promptID)
	require.NoError(t, err)
	for _, session := range sessions {
		assert.NotNil(t, session.BehavioralSignature)
		assert.NotNil(t, session.BehavioralFeatures)
	}
}

func TestComputeRiskAnalysis_Cached(t *testing.T) {
	engine, traceStore := newTestEngine(t)
	promptID := "prompt-cache"
	seedCompletedSessions(t, traceStore, promptID, 5)

	first, err := engine.ComputeRiskAnalysis(promptID)
	require.NoError(t, err)
	second, err := engine.ComputeRiskAnalysis(promptID)
	require.NoError(t, err)
	assert.Equal(t, first.EvaluationID, second.EvaluationID, "cache serves repeat calls")
}

func TestBehavioralConfidence(t *testing.T) {
	cluster := func(sizes ...int) []models.ClusterInfo {
		out := make([]models.ClusterInfo, len(sizes))
		for i, size := range sizes {
			out[i] = models.ClusterInfo{ClusterID: fmt.Sprintf("cluster_%d", i), Size: size}
		}
		return out
	}

	tests := []struct {
		name   string
		result *models.BehavioralResult
		want   string
	}{
		{"nil result", nil, "low"},
		{"single big cluster", &models.BehavioralResult{
			TotalSessions: 35, NumClusters: 1, Clusters: cluster(35),
		}, "high"},
		{"two clusters 80 total", &models.BehavioralResult{
			TotalSessions: 90, NumClusters: 2, Clusters: cluster(50, 40),
		}, "high"},
		{"three clusters 150 total", &models.BehavioralResult{
			TotalSessions: 160, NumClusters: 3, Clusters: cluster(60, 50, 45),
		}, "high"},
		{"single medium cluster", &models.BehavioralResult{
			TotalSessions: 20, NumClusters: 1, Clusters: cluster(18),
		}, "medium"},
		{"sparse data", &models.BehavioralResult{
			TotalSessions: 4, NumClusters: 1, Clusters: cluster(3),
		}, "low"},
		{"high outlier rate caps at low", &models.BehavioralResult{
			TotalSessions: 250, NumClusters: 1, NumOutliers: 40, Clusters: cluster(200),
		}, "low"},
		{"moderate outliers cap high at medium", &models.BehavioralResult{
			TotalSessions: 250, NumClusters: 1, NumOutliers: 20, Clusters: cluster(220),
		}, "medium"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BehavioralConfidence(tt.result))
		})
	}
}

func TestGetDashboardData(t *testing.T) {
	engine, traceStore := newTestEngine(t)
	seedCompletedSessions(t, traceStore, "prompt-dash", 2)

	data, err := engine.GetDashboardData("")
	require.NoError(t, err)
	require.Len(t, data.Agents, 1)
	assert.Len(t, data.Sessions, 2)
	assert.NotEmpty(t, data.LastUpdated)
}

func TestGetSessionData_Timeline(t *testing.T) {
	engine, traceStore := newTestEngine(t)
	sessionID := uuid.New().String()
	promptID := "prompt-timeline"

	require.NoError(t, traceStore.AddEvent(
		events.NewSessionStart(sessionID, promptID, "", "gateway"), "", ""))
	require.NoError(t, traceStore.AddEvent(
		events.NewToolExecution(sessionID, promptID, "", "search", nil), "", ""))

	data, err := engine.GetSessionData(sessionID)
	require.NoError(t, err)
	timeline := data["timeline"].([]map[string]any)
	require.Len(t, timeline, 2)
	assert.Equal(t, "Session started", timeline[0]["description"])
	assert.Equal(t, "Tool requested: search", timeline[1]["description"])
}
