// Package insights assembles dashboard payloads and orchestrates risk
// analysis (behavioral + security) over the trace store.
package insights

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cylestio/cylestio-perimeter/pkg/analysis"
	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// riskCacheTTL bounds how long a computed risk analysis is served before
// recomputation.
const riskCacheTTL = 30 * time.Second

type cacheKey struct {
	sessions  int
	completed int
}

type cachedRisk struct {
	result   *models.RiskAnalysisResult
	cachedAt time.Time
	key      cacheKey
}

// Engine computes risk analyses and view payloads. Inputs are snapshotted
// from the store (each store call locks internally); the CPU-bound
// clustering runs without holding the store lock.
type Engine struct {
	store *store.TraceStore
	cfg   *config.Config

	mu    sync.Mutex
	cache map[string]cachedRisk
}

// NewEngine creates an Engine.
func NewEngine(traceStore *store.TraceStore, cfg *config.Config) *Engine {
	return &Engine{
		store: traceStore,
		cfg:   cfg,
		cache: make(map[string]cachedRisk),
	}
}

// Store exposes the underlying trace store for handlers that need raw
// record access.
func (e *Engine) Store() *store.TraceStore { return e.store }

// ComputeRiskAnalysis runs behavioral + security analysis for one agent.
// Results are cached for a short window keyed by session/completion counts.
func (e *Engine) ComputeRiskAnalysis(systemPromptID string) (*models.RiskAnalysisResult, error) {
	agent, err := e.store.GetAgent(systemPromptID)
	if err != nil {
		return nil, err
	}
	sessions, err := e.store.GetAgentSessions(systemPromptID)
	if err != nil {
		return nil, err
	}

	minSessions := e.cfg.Analysis.MinSessionsForRiskAnalysis
	if len(sessions) < minSessions {
		return &models.RiskAnalysisResult{
			EvaluationID:     uuid.New().String(),
			AgentID:          systemPromptID,
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
			SessionsAnalyzed: len(sessions),
			EvaluationStatus: models.EvaluationInsufficientData,
			Error:            fmt.Sprintf("need at least %d sessions for analysis (have %d)", minSessions, len(sessions)),
			Summary: map[string]any{
				"min_sessions_required": minSessions,
				"current_sessions":      len(sessions),
				"sessions_needed":       minSessions - len(sessions),
			},
		}, nil
	}

	completedCount := 0
	for _, s := range sessions {
		if s.IsCompleted {
			completedCount++
		}
	}
	key := cacheKey{sessions: len(sessions), completed: completedCount}

	e.mu.Lock()
	if cached, ok := e.cache[systemPromptID]; ok &&
		cached.key == key && time.Since(cached.cachedAt) < riskCacheTTL {
		e.mu.Unlock()
		return cached.result, nil
	}
	e.mu.Unlock()

	// CPU-bound phase: no store lock held.
	behavioral, frozen, artifacts := analysis.AnalyzeAgentBehavior(
		sessions, agent.CachedPercentiles, analysis.DefaultSimilarityThreshold)

	// Reacquire to persist newly computed artifacts.
	if frozen != nil {
		if err := e.store.FreezeAgentPercentiles(systemPromptID, frozen, completedCount); err != nil {
			slog.Error("Failed to freeze percentiles", "system_prompt_id", systemPromptID, "error", err)
		}
	}
	for _, artifact := range artifacts {
		if err := e.store.FreezeSessionArtifacts(artifact.SessionID, artifact.Signature, artifact.Features); err != nil {
			slog.Warn("Failed to persist session artifacts",
				"session_id", artifact.SessionID, "error", err)
		}
	}

	securityReport := analysis.GenerateSecurityReport(systemPromptID, sessions, behavioral)

	status := models.EvaluationComplete
	if behavioral.TotalSessions < 2 {
		status = models.EvaluationPartial // security done, behavioral waiting
	}

	result := &models.RiskAnalysisResult{
		EvaluationID:       uuid.New().String(),
		AgentID:            systemPromptID,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		SessionsAnalyzed:   len(sessions),
		EvaluationStatus:   status,
		BehavioralAnalysis: behavioral,
		SecurityReport:     securityReport,
		AnalyzedSessionIDs: behavioral.AnalyzedSessionIDs,
		Summary: map[string]any{
			"critical_issues":      securityReport.CriticalIssues(),
			"warnings":             securityReport.Warnings(),
			"stability_score":      behavioral.StabilityScore,
			"predictability_score": behavioral.PredictabilityScore,
			"total_sessions":       len(sessions),
			"completed_sessions":   completedCount,
			"active_sessions":      len(sessions) - completedCount,
		},
	}

	e.mu.Lock()
	e.cache[systemPromptID] = cachedRisk{result: result, cachedAt: time.Now().UTC(), key: key}
	e.mu.Unlock()
	return result, nil
}

// BehavioralConfidence tiers the clustering result by data volume and
// outlier rate. Thresholds follow the dashboard contract: high needs one
// cluster of 30+, two totalling 80+, or three totalling 150+, with an
// outlier rate ≤5% once 200+ sessions exist.
func BehavioralConfidence(result *models.BehavioralResult) string {
	if result == nil || result.TotalSessions == 0 {
		return "low"
	}
	outlierRate := float64(result.NumOutliers) / float64(result.TotalSessions) * 100
	evaluateOutliers := result.TotalSessions >= 200
	if evaluateOutliers && outlierRate > 10 {
		return "low"
	}

	sizes := make([]int, 0, len(result.Clusters))
	for _, c := range result.Clusters {
		sizes = append(sizes, c.Size)
	}
	sum := func(n int) int {
		total := 0
		for i, s := range sizes {
			if i >= n {
				break
			}
			total += s
		}
		return total
	}

	highCriteria := (result.NumClusters == 1 && len(sizes) >= 1 && sizes[0] >= 30) ||
		(result.NumClusters == 2 && len(sizes) >= 2 && sum(2) >= 80) ||
		(result.NumClusters >= 3 && len(sizes) >= 3 && sum(3) >= 150)
	if highCriteria {
		if evaluateOutliers && outlierRate > 5 {
			return "medium"
		}
		return "high"
	}

	mediumCriteria := (result.NumClusters == 1 && len(sizes) >= 1 && sizes[0] >= 15) ||
		(result.NumClusters == 2 && len(sizes) >= 2 && sum(2) >= 40) ||
		(result.NumClusters >= 3 && len(sizes) >= 3 && sum(3) >= 75)
	if mediumCriteria {
		if evaluateOutliers && outlierRate > 10 {
			return "low"
		}
		return "medium"
	}
	return "low"
}
