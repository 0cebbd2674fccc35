package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// Timestamps are stored as REAL unix seconds with sub-second precision.

func toUnix(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnix(f float64) time.Time {
	return time.UnixMicro(int64(f * 1e6)).UTC()
}

func toUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toUnix(*t)
}

func fromUnixPtr(f sql.NullFloat64) *time.Time {
	if !f.Valid {
		return nil
	}
	t := fromUnix(f.Float64)
	return &t
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return string(data), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

const sessionColumns = `session_id, system_prompt_id, agent_id, created_at, last_activity,
	is_active, is_completed, completed_at,
	total_events, message_count, tool_uses, errors,
	total_tokens, total_response_time_ms, response_count,
	tool_usage_details, available_tools, events_json,
	behavioral_signature, behavioral_features, last_analysis_session_id`

// saveSession upserts the session row. Assumes the store lock is held.
func (s *TraceStore) saveSession(session *models.Session) error {
	toolUsage, err := marshalJSON(session.ToolUsageDetails)
	if err != nil {
		return err
	}
	availableTools, err := marshalJSON(sortedKeys(session.AvailableTools))
	if err != nil {
		return err
	}
	eventsJSON, err := marshalJSON(session.Events)
	if err != nil {
		return err
	}

	var signature, features any
	if session.BehavioralSignature != nil {
		if signature, err = marshalJSON(session.BehavioralSignature); err != nil {
			return err
		}
	}
	if session.BehavioralFeatures != nil {
		if features, err = marshalJSON(session.BehavioralFeatures); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.SystemPromptID, nullString(session.AgentID),
		toUnix(session.CreatedAt), toUnix(session.LastActivity),
		boolToInt(session.IsActive), boolToInt(session.IsCompleted), toUnixPtr(session.CompletedAt),
		session.TotalEvents, session.MessageCount, session.ToolUses, session.Errors,
		session.TotalTokens, session.TotalResponseTimeMS, session.ResponseCount,
		toolUsage, availableTools, eventsJSON,
		signature, features, nullString(session.LastAnalysisSessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.SessionID, err)
	}
	return nil
}

// scanSession reconstructs a Session from a row produced by a
// SELECT <sessionColumns> query.
func scanSession(scanner interface{ Scan(...any) error }) (*models.Session, error) {
	var (
		session                             models.Session
		agentID, lastAnalysis               sql.NullString
		createdAt, lastActivity             float64
		isActive, isCompleted               int
		completedAt                         sql.NullFloat64
		toolUsage, availableTools, evntJSON string
		signature, features                 sql.NullString
	)

	err := scanner.Scan(
		&session.SessionID, &session.SystemPromptID, &agentID, &createdAt, &lastActivity,
		&isActive, &isCompleted, &completedAt,
		&session.TotalEvents, &session.MessageCount, &session.ToolUses, &session.Errors,
		&session.TotalTokens, &session.TotalResponseTimeMS, &session.ResponseCount,
		&toolUsage, &availableTools, &evntJSON,
		&signature, &features, &lastAnalysis,
	)
	if err != nil {
		return nil, err
	}

	session.AgentID = agentID.String
	session.LastAnalysisSessionID = lastAnalysis.String
	session.CreatedAt = fromUnix(createdAt)
	session.LastActivity = fromUnix(lastActivity)
	session.IsActive = isActive != 0
	session.IsCompleted = isCompleted != 0
	session.CompletedAt = fromUnixPtr(completedAt)

	if err := json.Unmarshal([]byte(toolUsage), &session.ToolUsageDetails); err != nil {
		return nil, fmt.Errorf("failed to decode tool usage for %s: %w", session.SessionID, err)
	}
	var tools []string
	if err := json.Unmarshal([]byte(availableTools), &tools); err != nil {
		return nil, fmt.Errorf("failed to decode available tools for %s: %w", session.SessionID, err)
	}
	session.AvailableTools = toSet(tools)

	if err := json.Unmarshal([]byte(evntJSON), &session.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events for %s: %w", session.SessionID, err)
	}
	if signature.Valid {
		if err := json.Unmarshal([]byte(signature.String), &session.BehavioralSignature); err != nil {
			return nil, fmt.Errorf("failed to decode signature for %s: %w", session.SessionID, err)
		}
	}
	if features.Valid {
		session.BehavioralFeatures = &models.SessionFeatures{}
		if err := json.Unmarshal([]byte(features.String), session.BehavioralFeatures); err != nil {
			return nil, fmt.Errorf("failed to decode features for %s: %w", session.SessionID, err)
		}
	}
	if session.ToolUsageDetails == nil {
		session.ToolUsageDetails = make(map[string]int)
	}
	return &session, nil
}

const agentColumns = `system_prompt_id, agent_id, display_name, description,
	first_seen, last_seen,
	total_sessions, total_messages, total_tokens,
	total_tools, total_errors, total_response_time_ms, response_count,
	sessions_set, available_tools, used_tools, tool_usage_details,
	cached_percentiles, percentiles_session_count, last_analyzed_session_count`

// saveAgent upserts the agent row. Assumes the store lock is held.
func (s *TraceStore) saveAgent(agent *models.Agent) error {
	sessionsSet, err := marshalJSON(sortedKeys(agent.Sessions))
	if err != nil {
		return err
	}
	availableTools, err := marshalJSON(sortedKeys(agent.AvailableTools))
	if err != nil {
		return err
	}
	usedTools, err := marshalJSON(sortedKeys(agent.UsedTools))
	if err != nil {
		return err
	}
	toolUsage, err := marshalJSON(agent.ToolUsageDetails)
	if err != nil {
		return err
	}
	var percentiles any
	if agent.CachedPercentiles != nil {
		if percentiles, err = marshalJSON(agent.CachedPercentiles); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.SystemPromptID, nullString(agent.AgentID), nullString(agent.DisplayName), nullString(agent.Description),
		toUnix(agent.FirstSeen), toUnix(agent.LastSeen),
		agent.TotalSessions, agent.TotalMessages, agent.TotalTokens,
		agent.TotalTools, agent.TotalErrors, agent.TotalResponseTimeMS, agent.ResponseCount,
		sessionsSet, availableTools, usedTools, toolUsage,
		percentiles, agent.PercentilesSessionCount, agent.LastAnalyzedSessionCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.SystemPromptID, err)
	}
	return nil
}

// scanAgent reconstructs an Agent from a row produced by a
// SELECT <agentColumns> query.
func scanAgent(scanner interface{ Scan(...any) error }) (*models.Agent, error) {
	var (
		agent                             models.Agent
		agentID, displayName, description sql.NullString
		firstSeen, lastSeen               float64
		sessionsSet, available, used      string
		toolUsage                         string
		percentiles                       sql.NullString
	)

	err := scanner.Scan(
		&agent.SystemPromptID, &agentID, &displayName, &description,
		&firstSeen, &lastSeen,
		&agent.TotalSessions, &agent.TotalMessages, &agent.TotalTokens,
		&agent.TotalTools, &agent.TotalErrors, &agent.TotalResponseTimeMS, &agent.ResponseCount,
		&sessionsSet, &available, &used, &toolUsage,
		&percentiles, &agent.PercentilesSessionCount, &agent.LastAnalyzedSessionCount,
	)
	if err != nil {
		return nil, err
	}

	agent.AgentID = agentID.String
	agent.DisplayName = displayName.String
	agent.Description = description.String
	agent.FirstSeen = fromUnix(firstSeen)
	agent.LastSeen = fromUnix(lastSeen)

	var sessions, availableList, usedList []string
	if err := json.Unmarshal([]byte(sessionsSet), &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions for %s: %w", agent.SystemPromptID, err)
	}
	if err := json.Unmarshal([]byte(available), &availableList); err != nil {
		return nil, fmt.Errorf("failed to decode available tools for %s: %w", agent.SystemPromptID, err)
	}
	if err := json.Unmarshal([]byte(used), &usedList); err != nil {
		return nil, fmt.Errorf("failed to decode used tools for %s: %w", agent.SystemPromptID, err)
	}
	if err := json.Unmarshal([]byte(toolUsage), &agent.ToolUsageDetails); err != nil {
		return nil, fmt.Errorf("failed to decode tool usage for %s: %w", agent.SystemPromptID, err)
	}
	agent.Sessions = toSet(sessions)
	agent.AvailableTools = toSet(availableList)
	agent.UsedTools = toSet(usedList)
	if percentiles.Valid {
		if err := json.Unmarshal([]byte(percentiles.String), &agent.CachedPercentiles); err != nil {
			return nil, fmt.Errorf("failed to decode percentiles for %s: %w", agent.SystemPromptID, err)
		}
	}
	if agent.ToolUsageDetails == nil {
		agent.ToolUsageDetails = make(map[string]int)
	}
	return &agent, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
