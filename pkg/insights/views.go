package insights

import (
	"fmt"
	"sort"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// DashboardData is the payload of GET /api/dashboard.
type DashboardData struct {
	Agents        []map[string]any `json:"agents"`
	Sessions      []map[string]any `json:"sessions"`
	LatestSession map[string]any   `json:"latest_session"`
	LastUpdated   string           `json:"last_updated"`
}

// GetDashboardData assembles the dashboard view, optionally scoped to one
// workflow (coarse agent id).
func (e *Engine) GetDashboardData(workflowID string) (*DashboardData, error) {
	agents, err := e.store.GetAllAgents(workflowID)
	if err != nil {
		return nil, err
	}

	data := &DashboardData{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	for _, agent := range agents {
		data.Agents = append(data.Agents, e.agentSummary(agent))
	}

	sessions, err := e.store.GetAllSessions()
	if err != nil {
		return nil, err
	}
	limit := 20
	for i, session := range sessions {
		if i >= limit {
			break
		}
		data.Sessions = append(data.Sessions, sessionSummary(session))
	}
	for _, session := range sessions {
		if session.IsActive && !session.IsCompleted {
			data.LatestSession = sessionSummary(session)
			break
		}
	}
	return data, nil
}

// agentSummary is the dashboard row for one agent, including the lightweight
// analysis summary when one is available.
func (e *Engine) agentSummary(agent *models.Agent) map[string]any {
	summary := map[string]any{
		"system_prompt_id":     agent.SystemPromptID,
		"agent_id":             agent.AgentID,
		"display_name":         displayName(agent),
		"description":          agent.Description,
		"first_seen":           agent.FirstSeen.Format(time.RFC3339),
		"last_seen":            agent.LastSeen.Format(time.RFC3339),
		"total_sessions":       agent.TotalSessions,
		"total_messages":       agent.TotalMessages,
		"total_tokens":         agent.TotalTokens,
		"total_tools":          agent.TotalTools,
		"total_errors":         agent.TotalErrors,
		"avg_response_time_ms": agent.AvgResponseTimeMS(),
		"last_seen_ago":        timeAgo(agent.LastSeen),
	}

	risk, err := e.ComputeRiskAnalysis(agent.SystemPromptID)
	if err == nil && risk != nil &&
		(risk.EvaluationStatus == models.EvaluationComplete || risk.EvaluationStatus == models.EvaluationPartial) {
		analysisSummary := map[string]any{
			"failed_checks":   risk.SecurityReport.CriticalIssues(),
			"warnings":        risk.SecurityReport.Warnings(),
			"action_required": risk.SecurityReport.CriticalIssues() > 0,
		}
		if risk.EvaluationStatus == models.EvaluationComplete && risk.BehavioralAnalysis != nil {
			analysisSummary["behavioral"] = map[string]any{
				"stability":      round2(risk.BehavioralAnalysis.StabilityScore),
				"predictability": round2(risk.BehavioralAnalysis.PredictabilityScore),
				"confidence":     BehavioralConfidence(risk.BehavioralAnalysis),
			}
		} else {
			analysisSummary["behavioral_waiting"] = true
		}
		summary["analysis"] = analysisSummary
	}
	return summary
}

// GetAgentData assembles the detailed agent view with patterns and risk
// analysis.
func (e *Engine) GetAgentData(systemPromptID string) (map[string]any, error) {
	agent, err := e.store.GetAgent(systemPromptID)
	if err != nil {
		return nil, err
	}
	sessions, err := e.store.GetAgentSessions(systemPromptID)
	if err != nil {
		return nil, err
	}

	sessionViews := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		sessionViews = append(sessionViews, sessionSummary(session))
	}

	data := map[string]any{
		"system_prompt_id": agent.SystemPromptID,
		"agent_id":         agent.AgentID,
		"display_name":     displayName(agent),
		"description":      agent.Description,
		"first_seen":       agent.FirstSeen.Format(time.RFC3339),
		"last_seen":        agent.LastSeen.Format(time.RFC3339),
		"metrics": map[string]any{
			"total_sessions":       agent.TotalSessions,
			"total_messages":       agent.TotalMessages,
			"total_tokens":         agent.TotalTokens,
			"total_tools":          agent.TotalTools,
			"total_errors":         agent.TotalErrors,
			"avg_response_time_ms": agent.AvgResponseTimeMS(),
			"avg_messages":         agent.AvgMessagesPerSession(),
		},
		"patterns": agentPatterns(agent),
		"sessions": sessionViews,
	}

	if risk, err := e.ComputeRiskAnalysis(systemPromptID); err == nil {
		data["risk_analysis"] = riskView(risk)
	}
	return data, nil
}

// agentPatterns summarizes tool utilization: which tools are available,
// which were actually used, and how often.
func agentPatterns(agent *models.Agent) map[string]any {
	type toolUse struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	var usage []toolUse
	for name, count := range agent.ToolUsageDetails {
		usage = append(usage, toolUse{Name: name, Count: count})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Name < usage[j].Name
	})

	var unused []string
	for tool := range agent.AvailableTools {
		if _, ok := agent.UsedTools[tool]; !ok {
			unused = append(unused, tool)
		}
	}
	sort.Strings(unused)

	utilization := 0.0
	if len(agent.AvailableTools) > 0 {
		utilization = float64(len(agent.UsedTools)) / float64(len(agent.AvailableTools)) * 100
	}

	return map[string]any{
		"available_tools":  len(agent.AvailableTools),
		"used_tools":       len(agent.UsedTools),
		"unused_tools":     unused,
		"tool_utilization": round2(utilization),
		"tool_usage":       usage,
	}
}

func riskView(risk *models.RiskAnalysisResult) map[string]any {
	view := map[string]any{
		"evaluation_id":     risk.EvaluationID,
		"evaluation_status": risk.EvaluationStatus,
		"timestamp":         risk.Timestamp,
		"sessions_analyzed": risk.SessionsAnalyzed,
		"summary":           risk.Summary,
	}
	if risk.Error != "" {
		view["error"] = risk.Error
	}
	if risk.BehavioralAnalysis != nil {
		view["behavioral_analysis"] = risk.BehavioralAnalysis
		view["behavioral_confidence"] = BehavioralConfidence(risk.BehavioralAnalysis)
	}
	if risk.SecurityReport != nil {
		view["security_report"] = map[string]any{
			"report_id":       risk.SecurityReport.ReportID,
			"overall_status":  risk.SecurityReport.OverallStatus(),
			"total_checks":    risk.SecurityReport.TotalChecks(),
			"passed_checks":   risk.SecurityReport.PassedChecks(),
			"critical_issues": risk.SecurityReport.CriticalIssues(),
			"warnings":        risk.SecurityReport.Warnings(),
			"categories":      risk.SecurityReport.Categories,
		}
	}
	return view
}

// GetSessionData assembles the session detail view with its event timeline.
func (e *Engine) GetSessionData(sessionID string) (map[string]any, error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	timeline := make([]map[string]any, 0, len(session.Events))
	for _, event := range session.Events {
		timeline = append(timeline, map[string]any{
			"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
			"name":        string(event.Name),
			"level":       string(event.Level),
			"description": eventDescription(event),
		})
	}

	data := sessionSummary(session)
	data["timeline"] = timeline
	data["tool_usage_details"] = session.ToolUsageDetails
	data["available_tools"] = session.AvailableToolsList()
	data["error_rate"] = round2(session.ErrorRate())
	data["last_analysis_session_id"] = session.LastAnalysisSessionID
	return data, nil
}

func sessionSummary(session *models.Session) map[string]any {
	status := "ACTIVE"
	switch {
	case session.IsCompleted:
		status = "COMPLETED"
	case !session.IsActive:
		status = "INACTIVE"
	}
	summary := map[string]any{
		"session_id":           session.SessionID,
		"system_prompt_id":     session.SystemPromptID,
		"agent_id":             session.AgentID,
		"status":               status,
		"created_at":           session.CreatedAt.Format(time.RFC3339),
		"last_activity":        session.LastActivity.Format(time.RFC3339),
		"last_activity_ago":    timeAgo(session.LastActivity),
		"duration_minutes":     round2(session.DurationMinutes()),
		"total_events":         session.TotalEvents,
		"message_count":        session.MessageCount,
		"tool_uses":            session.ToolUses,
		"errors":               session.Errors,
		"total_tokens":         session.TotalTokens,
		"avg_response_time_ms": round2(session.AvgResponseTimeMS()),
	}
	if session.CompletedAt != nil {
		summary["completed_at"] = session.CompletedAt.Format(time.RFC3339)
	}
	return summary
}

func eventDescription(event *events.Event) string {
	switch event.Name {
	case events.SessionStart:
		return "Session started"
	case events.LLMCallStart:
		model := event.StringAttr(events.AttrModel, "unknown model")
		return "LLM call to " + model
	case events.LLMCallFinish:
		return fmt.Sprintf("LLM responded in %.0f ms (%d tokens)",
			event.Float64Attr(events.AttrDurationMS), event.IntAttr(events.AttrTotalTokens))
	case events.LLMCallError:
		return "LLM call failed: " + event.StringAttr(events.AttrErrorMessage, "unknown error")
	case events.ToolExecution:
		return "Tool requested: " + event.StringAttr(events.AttrToolName, "unknown")
	case events.ToolResult:
		return "Tool result for " + event.StringAttr(events.AttrToolName, "unknown")
	default:
		return string(event.Name)
	}
}

func displayName(agent *models.Agent) string {
	if agent.DisplayName != "" {
		return agent.DisplayName
	}
	id := agent.SystemPromptID
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// SessionListPage is the payload of GET /api/sessions/list.
type SessionListPage struct {
	Sessions   []map[string]any `json:"sessions"`
	TotalCount int              `json:"total_count"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// ListSessions returns a filtered, paginated session page.
func (e *Engine) ListSessions(filter store.SessionFilter) (*SessionListPage, error) {
	total, err := e.store.CountSessionsFiltered(filter)
	if err != nil {
		return nil, err
	}
	sessions, err := e.store.GetSessionsFiltered(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := &SessionListPage{
		Sessions:   make([]map[string]any, 0, len(sessions)),
		TotalCount: total,
		Limit:      limit,
		Offset:     filter.Offset,
	}
	for _, session := range sessions {
		page.Sessions = append(page.Sessions, sessionSummary(session))
	}
	return page, nil
}
