package analysis

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/metrics"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// RunnerStore is the store surface the analysis runner needs.
type RunnerStore interface {
	GetAgent(systemPromptID string) (*models.Agent, error)
	GetUnanalyzedSessionCount(systemPromptID string) (int, error)
	GetCompletedSessionCount(systemPromptID string) (int, error)
	UpdateAgentLastAnalyzed(systemPromptID string, sessionCount int) error
	GetAgentsNeedingAnalysis(minSessions int) ([]string, error)
	CreateAnalysisSession(sessionID, agentID string, kind models.AnalysisKind, agentName, systemPromptID string) (*models.AnalysisSession, error)
	CompleteAnalysisSession(sessionID string, findingsCount, riskScore, sessionsAnalyzed *int) (*models.AnalysisSession, error)
	PersistSecurityChecks(systemPromptID string, report *models.SecurityReport, analysisSessionID, agentID string) (int, error)
	StoreBehavioralAnalysis(systemPromptID, analysisSessionID string, result *models.BehavioralResult) (string, error)
	MarkSessionsAnalyzed(sessionIDs []string, analysisSessionID string) (int, error)
}

// ComputeFunc performs the actual risk computation for one agent. It must
// snapshot its inputs from the store, compute without holding the store
// lock, and leave persistence to the runner.
type ComputeFunc func(systemPromptID string) (*models.RiskAnalysisResult, error)

// Runner is the single entry point for all analysis triggers. It owns the
// decision logic, the per-agent running state, burst handling, and result
// persistence. At most one analysis runs concurrently per agent.
type Runner struct {
	store       RunnerStore
	compute     ComputeFunc
	minSessions int

	mu      sync.Mutex
	running map[string]bool

	wg sync.WaitGroup
}

// NewRunner creates a Runner. minSessions gates the startup recovery scan
// only; regular triggers dispatch on any unanalyzed completed session.
func NewRunner(store RunnerStore, compute ComputeFunc, minSessions int) *Runner {
	return &Runner{
		store:       store,
		compute:     compute,
		minSessions: minSessions,
		running:     make(map[string]bool),
	}
}

// Trigger dispatches an analysis for the agent if one should run. Called
// from session completion, from the post-analysis burst check, and from
// manual API/MCP triggers. Non-blocking: the run executes on its own
// goroutine.
func (r *Runner) Trigger(systemPromptID string) {
	if !r.shouldRun(systemPromptID) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(systemPromptID)
	}()
}

// shouldRun is true iff no analysis is in flight for this agent and at least
// one completed session is unanalyzed. The decision-and-set is atomic under
// the runner mutex.
func (r *Runner) shouldRun(systemPromptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running[systemPromptID] {
		return false
	}
	unanalyzed, err := r.store.GetUnanalyzedSessionCount(systemPromptID)
	if err != nil {
		slog.Error("Failed to count unanalyzed sessions", "system_prompt_id", systemPromptID, "error", err)
		return false
	}
	if unanalyzed == 0 {
		return false
	}
	r.running[systemPromptID] = true
	return true
}

// run executes one analysis. The running flag is already set; it is cleared
// on exit, after which a burst re-check dispatches a fresh run if new
// sessions completed meanwhile. Convergence holds because each successful
// run strictly shrinks the unanalyzed set.
func (r *Runner) run(systemPromptID string) {
	metrics.AnalysisRuns.Inc()
	slog.Info("Analysis run started", "system_prompt_id", systemPromptID)

	agentID := systemPromptID
	agentName := ""
	if agent, err := r.store.GetAgent(systemPromptID); err == nil {
		if agent.AgentID != "" {
			agentID = agent.AgentID
		}
		agentName = agent.DisplayName
	}

	analysisSessionID := fmt.Sprintf("analysis_%s_%s", systemPromptID,
		time.Now().UTC().Format("20060102_150405.000000"))
	if _, err := r.store.CreateAnalysisSession(analysisSessionID, agentID, models.AnalysisDynamic, agentName, systemPromptID); err != nil {
		slog.Warn("Could not create analysis session", "error", err)
		analysisSessionID = ""
	}

	succeeded := false
	result, err := r.compute(systemPromptID)
	switch {
	case err != nil:
		// Compute failures complete the analysis session with zero findings
		// and leave the watermark alone so the next trigger retries.
		slog.Error("Analysis compute failed", "system_prompt_id", systemPromptID, "error", err)
		r.completeEmpty(analysisSessionID)
	case result == nil || result.SecurityReport == nil:
		slog.Warn("Analysis produced no security report",
			"system_prompt_id", systemPromptID,
			"status", evaluationStatus(result))
		r.completeEmpty(analysisSessionID)
	default:
		if err := r.persistResults(systemPromptID, agentID, analysisSessionID, result); err != nil {
			slog.Error("Failed to persist analysis results", "system_prompt_id", systemPromptID, "error", err)
		} else {
			succeeded = true
			if count, err := r.store.GetCompletedSessionCount(systemPromptID); err == nil {
				if err := r.store.UpdateAgentLastAnalyzed(systemPromptID, count); err != nil {
					slog.Error("Failed to advance analyzed watermark", "error", err)
				}
			}
		}
	}

	r.mu.Lock()
	r.running[systemPromptID] = false
	r.mu.Unlock()
	slog.Info("Analysis run finished", "system_prompt_id", systemPromptID)

	// Burst handling: if new sessions completed during the run, go again.
	// Converges without busy-waiting because each successful run strictly
	// shrinks the unanalyzed set; failed runs wait for the next external
	// trigger instead of spinning.
	if succeeded {
		r.Trigger(systemPromptID)
	}
}

func (r *Runner) completeEmpty(analysisSessionID string) {
	if analysisSessionID == "" {
		return
	}
	zero := 0
	if _, err := r.store.CompleteAnalysisSession(analysisSessionID, &zero, nil, nil); err != nil {
		slog.Error("Failed to complete analysis session", "analysis_session_id", analysisSessionID, "error", err)
	}
}

func (r *Runner) persistResults(systemPromptID, agentID, analysisSessionID string, result *models.RiskAnalysisResult) error {
	checksPersisted, err := r.store.PersistSecurityChecks(systemPromptID, result.SecurityReport, analysisSessionID, agentID)
	if err != nil {
		return err
	}

	if result.BehavioralAnalysis != nil {
		if _, err := r.store.StoreBehavioralAnalysis(systemPromptID, analysisSessionID, result.BehavioralAnalysis); err != nil {
			return err
		}
	}

	sessionsAnalyzed := result.SessionsAnalyzed
	if _, err := r.store.CompleteAnalysisSession(analysisSessionID, &checksPersisted, nil, &sessionsAnalyzed); err != nil {
		return err
	}

	if len(result.AnalyzedSessionIDs) > 0 {
		if _, err := r.store.MarkSessionsAnalyzed(result.AnalyzedSessionIDs, analysisSessionID); err != nil {
			return err
		}
	}

	slog.Info("Persisted analysis results",
		"system_prompt_id", systemPromptID,
		"checks", checksPersisted,
		"analysis_session_id", analysisSessionID)
	return nil
}

// CheckPendingOnStartup triggers analysis for agents whose completed-session
// count reached the minimum and exceeds the analyzed watermark. Recovers
// analyses missed during downtime.
func (r *Runner) CheckPendingOnStartup() []string {
	ids, err := r.store.GetAgentsNeedingAnalysis(r.minSessions)
	if err != nil {
		slog.Error("Startup analysis scan failed", "error", err)
		return nil
	}
	for _, id := range ids {
		slog.Info("Triggering startup analysis", "system_prompt_id", id)
		r.Trigger(id)
	}
	return ids
}

// IsRunning reports whether an analysis is in flight for the agent.
func (r *Runner) IsRunning(systemPromptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[systemPromptID]
}

// Wait blocks until every in-flight analysis goroutine finishes. Used on
// shutdown and by tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func evaluationStatus(result *models.RiskAnalysisResult) string {
	if result == nil {
		return "none"
	}
	return result.EvaluationStatus
}
