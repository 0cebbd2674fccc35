// Package models defines the domain records owned by the trace store:
// sessions, agents, analysis sessions, findings, recommendations, and the
// behavioral/security result types attached to them.
package models

import (
	"log/slog"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
)

// SessionEventCap bounds the per-session event ring buffer.
const SessionEventCap = 1000

// Session is the per-conversation aggregate. Mutable while active, frozen on
// completion. The store owns the canonical copy; callers hold snapshots.
type Session struct {
	SessionID      string `json:"session_id"`
	SystemPromptID string `json:"system_prompt_id"`
	AgentID        string `json:"agent_id,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	IsActive     bool       `json:"is_active"`
	IsCompleted  bool       `json:"is_completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	TotalEvents         int     `json:"total_events"`
	MessageCount        int     `json:"message_count"`
	ToolUses            int     `json:"tool_uses"`
	Errors              int     `json:"errors"`
	TotalTokens         int     `json:"total_tokens"`
	TotalResponseTimeMS float64 `json:"total_response_time_ms"`
	ResponseCount       int     `json:"response_count"`

	ToolUsageDetails map[string]int      `json:"tool_usage_details"`
	AvailableTools   map[string]struct{} `json:"-"`

	// Ring buffer of the last SessionEventCap events, oldest first.
	Events []*events.Event `json:"-"`

	// Frozen on completion, cleared on reactivation.
	BehavioralSignature []uint64         `json:"-"`
	BehavioralFeatures  *SessionFeatures `json:"-"`

	LastAnalysisSessionID string `json:"last_analysis_session_id,omitempty"`
}

// NewSession creates an active session aggregate.
func NewSession(sessionID, systemPromptID, agentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:        sessionID,
		SystemPromptID:   systemPromptID,
		AgentID:          agentID,
		CreatedAt:        now,
		LastActivity:     now,
		IsActive:         true,
		ToolUsageDetails: make(map[string]int),
		AvailableTools:   make(map[string]struct{}),
	}
}

// AddEvent applies one event to the aggregate. A completed session is
// reactivated (signature and features cleared) before the event lands.
func (s *Session) AddEvent(event *events.Event) {
	if s.IsCompleted {
		s.Reactivate()
	}

	s.Events = append(s.Events, event)
	if len(s.Events) > SessionEventCap {
		s.Events = s.Events[len(s.Events)-SessionEventCap:]
	}
	s.TotalEvents++
	s.LastActivity = event.Timestamp

	switch event.Name {
	case events.LLMCallStart:
		s.MessageCount++
		for _, tool := range requestTools(event) {
			s.AvailableTools[tool] = struct{}{}
		}
	case events.LLMCallFinish:
		s.ResponseCount++
		s.TotalResponseTimeMS += event.Float64Attr(events.AttrDurationMS)
		s.TotalTokens += event.IntAttr(events.AttrTotalTokens)
	case events.ToolExecution:
		s.ToolUses++
		tool := event.StringAttr(events.AttrToolName, "unknown")
		s.ToolUsageDetails[tool]++
	}
	if event.IsError() {
		s.Errors++
	}
}

// MarkCompleted freezes the session after the inactivity timeout. The
// behavioral signature and features are computed once at this point and
// never recalculated, so historical clustering stays comparable.
func (s *Session) MarkCompleted() {
	now := time.Now().UTC()
	s.IsCompleted = true
	s.IsActive = false
	s.CompletedAt = &now
	slog.Info("Session marked as completed after inactivity", "session_id", shortID(s.SessionID))
}

// Reactivate clears completion state and the frozen analysis artifacts when
// a new event arrives for a completed session. Counters and tool sets
// persist across reactivation.
func (s *Session) Reactivate() {
	if !s.IsCompleted {
		return
	}
	slog.Info("Session reactivated, clearing signature and analysis", "session_id", shortID(s.SessionID))
	s.IsCompleted = false
	s.IsActive = true
	s.CompletedAt = nil
	s.BehavioralSignature = nil
	s.BehavioralFeatures = nil
}

// AvgResponseTimeMS is the mean llm.call.finish duration.
func (s *Session) AvgResponseTimeMS() float64 {
	if s.ResponseCount == 0 {
		return 0
	}
	return s.TotalResponseTimeMS / float64(s.ResponseCount)
}

// DurationMinutes is the wall-clock span from creation to last activity.
func (s *Session) DurationMinutes() float64 {
	return s.LastActivity.Sub(s.CreatedAt).Minutes()
}

// ErrorRate is the percentage of messages that errored.
func (s *Session) ErrorRate() float64 {
	if s.MessageCount == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.MessageCount) * 100
}

// AvailableToolsList returns the tool set as a slice (unordered).
func (s *Session) AvailableToolsList() []string {
	out := make([]string, 0, len(s.AvailableTools))
	for t := range s.AvailableTools {
		out = append(out, t)
	}
	return out
}

// requestTools extracts tool names from the llm.request.data attribute.
func requestTools(event *events.Event) []string {
	data := event.MapAttr(events.AttrRequestData)
	if data == nil {
		return nil
	}
	raw, ok := data["tools"].([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, t := range raw {
		if m, ok := t.(map[string]any); ok {
			if name, ok := m["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
