package models

import "time"

// Percentiles holds per-metric distribution anchors (p25/p50/p75/p90/p95),
// keyed by metric name (duration, total_tokens, tool_calls). Once computed
// for an agent they are frozen and never recomputed: bucketing determinism
// is what keeps old MinHash signatures comparable to new ones.
type Percentiles map[string]map[string]float64

// Agent is the aggregate over all sessions sharing one system prompt.
// Keyed by SystemPromptID; AgentID is the optional coarse project id.
type Agent struct {
	SystemPromptID string `json:"system_prompt_id"`
	AgentID        string `json:"agent_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	Description    string `json:"description,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	TotalSessions       int     `json:"total_sessions"`
	TotalMessages       int     `json:"total_messages"`
	TotalTokens         int     `json:"total_tokens"`
	TotalTools          int     `json:"total_tools"`
	TotalErrors         int     `json:"total_errors"`
	TotalResponseTimeMS float64 `json:"total_response_time_ms"`
	ResponseCount       int     `json:"response_count"`

	Sessions         map[string]struct{} `json:"-"`
	AvailableTools   map[string]struct{} `json:"-"`
	UsedTools        map[string]struct{} `json:"-"`
	ToolUsageDetails map[string]int      `json:"tool_usage_details"`

	CachedPercentiles       Percentiles `json:"cached_percentiles,omitempty"`
	PercentilesSessionCount int         `json:"percentiles_session_count"`

	LastAnalyzedSessionCount int `json:"last_analyzed_session_count"`
}

// NewAgent creates an agent aggregate.
func NewAgent(systemPromptID, agentID string) *Agent {
	now := time.Now().UTC()
	return &Agent{
		SystemPromptID:   systemPromptID,
		AgentID:          agentID,
		FirstSeen:        now,
		LastSeen:         now,
		Sessions:         make(map[string]struct{}),
		AvailableTools:   make(map[string]struct{}),
		UsedTools:        make(map[string]struct{}),
		ToolUsageDetails: make(map[string]int),
	}
}

// AddSession registers a session id with this agent.
func (a *Agent) AddSession(sessionID string) {
	if _, ok := a.Sessions[sessionID]; ok {
		return
	}
	a.Sessions[sessionID] = struct{}{}
	a.TotalSessions++
	a.LastSeen = time.Now().UTC()
}

// AvgResponseTimeMS is the mean response time across all sessions.
func (a *Agent) AvgResponseTimeMS() float64 {
	if a.ResponseCount == 0 {
		return 0
	}
	return a.TotalResponseTimeMS / float64(a.ResponseCount)
}

// AvgMessagesPerSession is the mean message count per session.
func (a *Agent) AvgMessagesPerSession() float64 {
	if a.TotalSessions == 0 {
		return 0
	}
	return float64(a.TotalMessages) / float64(a.TotalSessions)
}

// SessionIDs returns the session set as a slice (unordered).
func (a *Agent) SessionIDs() []string {
	out := make([]string, 0, len(a.Sessions))
	for id := range a.Sessions {
		out = append(out, id)
	}
	return out
}
