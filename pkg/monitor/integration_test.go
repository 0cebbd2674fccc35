package monitor

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylestio/cylestio-perimeter/pkg/analysis"
	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/insights"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// TestCompletionTriggersAnalysis drives the full tail of the pipeline:
// events → completion scan → signature freeze → analysis run → persisted
// results and analyzed watermarks.
func TestCompletionTriggersAnalysis(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.StorageMode = "memory"

	db, err := store.Open(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	traceStore := store.New(db, cfg.Store)

	engine := insights.NewEngine(traceStore, cfg)
	runner := analysis.NewRunner(traceStore, engine.ComputeRiskAnalysis, cfg.Analysis.MinSessionsForRiskAnalysis)

	monitorCfg := &config.MonitorConfig{CompletionTimeoutSeconds: 1, CheckIntervalSeconds: 3600}
	service := NewService(monitorCfg, traceStore, runner)

	promptID := "prompt-pipeline"
	for i := 0; i < 5; i++ {
		sessionID := uuid.New().String()
		require.NoError(t, traceStore.AddEvent(
			events.NewSessionStart(sessionID, promptID, "proj-pipeline", "gateway"), "", ""))
		require.NoError(t, traceStore.AddEvent(
			events.NewLLMCallStart(sessionID, promptID, "proj-pipeline", "openai", "gpt-4o", nil), "", ""))
		require.NoError(t, traceStore.AddEvent(
			events.NewToolExecution(sessionID, promptID, "proj-pipeline", "search", nil), "", ""))
		require.NoError(t, traceStore.AddEvent(
			events.NewLLMCallFinish(sessionID, promptID, "proj-pipeline", "openai", "gpt-4o", 90, 40, 20, 60, "stop"), "", ""))
	}

	// Let the sessions go stale past the 1s completion timeout.
	time.Sleep(1100 * time.Millisecond)
	service.Tick()
	runner.Wait()

	// All sessions completed with frozen signatures.
	sessions, err := traceStore.GetAgentSessions(promptID)
	require.NoError(t, err)
	require.Len(t, sessions, 5)
	for _, session := range sessions {
		assert.True(t, session.IsCompleted)
		assert.NotNil(t, session.BehavioralSignature)
		assert.NotEmpty(t, session.LastAnalysisSessionID, "analysis marked the session")
	}

	// Exactly one analysis session ran to completion.
	analyses, err := traceStore.GetAnalysisSessions("", "", 10)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	assert.Equal(t, models.AnalysisCompleted, analyses[0].Status)
	require.NotNil(t, analyses[0].SessionsAnalyzed)
	assert.Equal(t, 5, *analyses[0].SessionsAnalyzed)

	// Security checks and the behavioral result were persisted.
	checks, err := traceStore.GetLatestSecurityChecksForAgent(promptID)
	require.NoError(t, err)
	assert.NotEmpty(t, checks)

	behavioral, err := traceStore.GetLatestBehavioralAnalysis(promptID)
	require.NoError(t, err)
	assert.Equal(t, 5, behavioral.TotalSessions)
	assert.Equal(t, 1, behavioral.NumClusters, "identical sessions form one cluster")

	// The watermark advanced; re-triggering with no new sessions is a no-op.
	count, err := traceStore.GetAgentLastAnalyzedCount(promptID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	runner.Trigger(promptID)
	runner.Wait()
	analyses, err = traceStore.GetAnalysisSessions("", "", 10)
	require.NoError(t, err)
	assert.Len(t, analyses, 1, "no second run without new sessions")

	// A new event reactivates one session and clears its artifacts.
	reactivated := sessions[0].SessionID
	require.NoError(t, traceStore.AddEvent(
		events.NewLLMCallStart(reactivated, promptID, "proj-pipeline", "openai", "gpt-4o", nil), "", ""))
	session, err := traceStore.GetSession(reactivated)
	require.NoError(t, err)
	assert.False(t, session.IsCompleted)
	assert.Nil(t, session.BehavioralSignature)
	assert.Nil(t, session.BehavioralFeatures)
}
