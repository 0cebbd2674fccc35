package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/metrics"
	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// cleanupInterval rate-limits incomplete-session cleanup so it never
// dominates the event hot path.
const cleanupInterval = 60 * time.Second

// keepMinSessions keeps cleanup from emptying a young store.
const keepMinSessions = 10

// TraceStore owns all trace records. Every operation is serialized behind a
// single mutex; exported methods lock, unexported helpers assume the lock is
// held. The lock is never held across network I/O or analysis compute.
type TraceStore struct {
	mu sync.Mutex
	db *sql.DB

	maxEvents        int
	retentionMinutes int

	startTime   time.Time
	totalEvents int
	// Global event stream, kept in memory as a ring buffer.
	events []*events.Event

	// Lightweight global counters.
	toolUsage  map[string]int
	errorTypes map[string]int

	lastCleanup time.Time
}

// New creates a TraceStore over an opened database.
func New(db *sql.DB, cfg config.StoreConfig) *TraceStore {
	now := time.Now().UTC()
	s := &TraceStore{
		db:               db,
		maxEvents:        cfg.MaxEvents,
		retentionMinutes: cfg.RetentionMinutes,
		startTime:        now,
		toolUsage:        make(map[string]int),
		errorTypes:       make(map[string]int),
		lastCleanup:      now,
	}
	slog.Info("Trace store ready",
		"max_events", cfg.MaxEvents, "retention_minutes", cfg.RetentionMinutes)
	return s
}

// DB exposes the underlying connection for health checks.
func (s *TraceStore) DB() *sql.DB { return s.db }

// AddEvent applies one event: atomic read-modify-write of the session
// aggregate and the agent aggregate. A completed session is reactivated
// (signature and features cleared) before the event lands. Every 100th
// event triggers rate-limited cleanup.
func (s *TraceStore) AddEvent(event *events.Event, sessionID, systemPromptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = event.SessionID
	}
	if systemPromptID == "" {
		systemPromptID = event.SystemPromptID
	}
	if systemPromptID == "" {
		systemPromptID = "unknown"
	}
	agentID := event.AgentID

	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	s.totalEvents++
	metrics.EventsIngested.WithLabelValues(string(event.Name)).Inc()

	if sessionID != "" {
		session, err := s.getSession(sessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if session == nil {
			session = models.NewSession(sessionID, systemPromptID, agentID)
		} else if agentID != "" && session.AgentID == "" {
			session.AgentID = agentID // late binding
		}

		agent, err := s.getAgent(systemPromptID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if agent == nil {
			agent = models.NewAgent(systemPromptID, agentID)
		} else if agentID != "" && agent.AgentID == "" {
			agent.AgentID = agentID
		}

		agent.AddSession(sessionID)
		session.AddEvent(event)
		s.applyAgentMetrics(agent, event)
		if session.LastActivity.After(agent.LastSeen) {
			agent.LastSeen = session.LastActivity
		}

		if err := s.saveSession(session); err != nil {
			return err
		}
		if err := s.saveAgent(agent); err != nil {
			return err
		}
	}

	switch event.Name {
	case events.ToolExecution:
		s.toolUsage[event.StringAttr(events.AttrToolName, "unknown")]++
	case events.LLMCallError:
		s.errorTypes[event.StringAttr(events.AttrErrorType, "unknown")]++
	}

	if s.totalEvents%100 == 0 {
		s.cleanupOldData()
	}
	return nil
}

// applyAgentMetrics updates agent aggregates incrementally as events arrive.
func (s *TraceStore) applyAgentMetrics(agent *models.Agent, event *events.Event) {
	switch event.Name {
	case events.LLMCallStart:
		agent.TotalMessages++
		if data := event.MapAttr(events.AttrRequestData); data != nil {
			if tools, ok := data["tools"].([]any); ok {
				for _, t := range tools {
					if m, ok := t.(map[string]any); ok {
						if name, ok := m["name"].(string); ok && name != "" {
							agent.AvailableTools[name] = struct{}{}
						}
					}
				}
			}
		}
	case events.LLMCallFinish:
		agent.TotalResponseTimeMS += event.Float64Attr(events.AttrDurationMS)
		agent.ResponseCount++
		agent.TotalTokens += event.IntAttr(events.AttrTotalTokens)
	case events.ToolExecution:
		agent.TotalTools++
		tool := event.StringAttr(events.AttrToolName, "unknown")
		agent.ToolUsageDetails[tool]++
		agent.UsedTools[tool] = struct{}{}
	}
	if event.IsError() {
		agent.TotalErrors++
	}
}

// cleanupOldData deletes only INCOMPLETE sessions past the retention horizon.
// Completed sessions are never deleted — their frozen signatures are
// permanent. Rate limited; assumes the lock is held.
func (s *TraceStore) cleanupOldData() {
	now := time.Now().UTC()
	if now.Sub(s.lastCleanup) < cleanupInterval {
		return
	}
	s.lastCleanup = now
	cutoff := toUnix(now.Add(-time.Duration(s.retentionMinutes) * time.Minute))

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		slog.Error("Cleanup: count failed", "error", err)
		return
	}
	if total <= keepMinSessions {
		return
	}

	res, err := s.db.Exec(`DELETE FROM sessions WHERE is_completed = 0 AND last_activity < ?`, cutoff)
	if err != nil {
		slog.Error("Cleanup: delete failed", "error", err)
		return
	}
	if deleted, _ := res.RowsAffected(); deleted > 0 {
		slog.Debug("Cleaned up old incomplete sessions", "count", deleted)
	}
}

// GetSession returns a session snapshot by id.
func (s *TraceStore) GetSession(sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSession(sessionID)
}

func (s *TraceStore) getSession(sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return session, nil
}

// GetAgent returns an agent snapshot by system prompt id.
func (s *TraceStore) GetAgent(systemPromptID string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAgent(systemPromptID)
}

func (s *TraceStore) getAgent(systemPromptID string) (*models.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE system_prompt_id = ?`, systemPromptID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", systemPromptID, err)
	}
	return agent, nil
}

// GetAllAgents returns agents, optionally filtered by the coarse agent id.
func (s *TraceStore) GetAllAgents(agentID string) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY last_seen DESC`
	return s.queryAgents(query, args...)
}

func (s *TraceStore) queryAgents(query string, args ...any) ([]*models.Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// GetAgentSessions returns all sessions belonging to one agent.
func (s *TraceStore) GetAgentSessions(systemPromptID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions WHERE system_prompt_id = ? ORDER BY created_at ASC`, systemPromptID)
}

// GetSessionsByIDs returns sessions for the given ids, skipping unknowns.
func (s *TraceStore) GetSessionsByIDs(sessionIDs []string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, id := range sessionIDs {
		session, err := s.getSession(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// GetActiveSessions returns sessions active within the last five minutes.
func (s *TraceStore) GetActiveSessions() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := toUnix(time.Now().UTC().Add(-5 * time.Minute))
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions
		WHERE is_active = 1 AND is_completed = 0 AND last_activity > ?
		ORDER BY last_activity DESC`, cutoff)
}

// GetAllSessions returns every session, newest first.
func (s *TraceStore) GetAllSessions() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.querySessions(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY last_activity DESC`)
}

func (s *TraceStore) querySessions(query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// SessionFilter selects sessions for the list endpoint.
type SessionFilter struct {
	AgentID        string
	SystemPromptID string
	Status         string // ACTIVE, INACTIVE, or COMPLETED
	Limit          int
	Offset         int
}

func (f *SessionFilter) whereClause() (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if f.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.SystemPromptID != "" {
		where += " AND system_prompt_id = ?"
		args = append(args, f.SystemPromptID)
	}
	switch f.Status {
	case "ACTIVE":
		where += " AND is_completed = 0 AND is_active = 1"
	case "INACTIVE":
		where += " AND is_completed = 0 AND is_active = 0"
	case "COMPLETED":
		where += " AND is_completed = 1"
	}
	return where, args
}

// CountSessionsFiltered counts sessions matching the filter.
func (s *TraceStore) CountSessionsFiltered(filter SessionFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := filter.whereClause()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// GetSessionsFiltered returns a page of sessions matching the filter.
func (s *TraceStore) GetSessionsFiltered(filter SessionFilter) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := filter.whereClause()
	args = append(args, limit, offset)
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions`+where+
		` ORDER BY last_activity DESC LIMIT ? OFFSET ?`, args...)
}

// UpdateAgentInfo sets the display name, description and/or coarse agent id.
// Empty arguments leave the current value in place.
func (s *TraceStore) UpdateAgentInfo(systemPromptID, agentID, displayName, description string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.getAgent(systemPromptID)
	if err != nil {
		return nil, err
	}
	if agentID != "" {
		agent.AgentID = agentID
	}
	if displayName != "" {
		agent.DisplayName = displayName
	}
	if description != "" {
		agent.Description = description
	}
	if err := s.saveAgent(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// CheckAndCompleteSessions marks sessions inactive past the timeout as
// completed and returns the distinct system prompt ids affected, so the
// analysis scheduler can be triggered. Sessions are never deleted here.
func (s *TraceStore) CheckAndCompleteSessions(timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := toUnix(time.Now().UTC().Add(-timeout))
	toComplete, err := s.querySessions(`SELECT `+sessionColumns+` FROM sessions
		WHERE is_completed = 0 AND is_active = 1 AND last_activity < ?`, cutoff)
	if err != nil {
		return nil, err
	}

	affected := make(map[string]struct{})
	for _, session := range toComplete {
		session.MarkCompleted()
		if err := s.saveSession(session); err != nil {
			return nil, err
		}
		affected[session.SystemPromptID] = struct{}{}
	}

	if len(toComplete) > 0 {
		slog.Info("Marked sessions as completed after inactivity",
			"count", len(toComplete), "timeout", timeout)
	}
	return sortedKeys(affected), nil
}

// FreezeSessionArtifacts writes the behavioral signature and features onto a
// completed session. They are never recomputed until the session is
// reactivated.
func (s *TraceStore) FreezeSessionArtifacts(sessionID string, signature []uint64, features *models.SessionFeatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	if !session.IsCompleted {
		return fmt.Errorf("session %s is not completed", sessionID)
	}
	session.BehavioralSignature = signature
	session.BehavioralFeatures = features
	return s.saveSession(session)
}

// FreezeAgentPercentiles stores the distribution anchors for an agent the
// first time they are computed. A second call is a no-op: frozen percentiles
// never change.
func (s *TraceStore) FreezeAgentPercentiles(systemPromptID string, percentiles models.Percentiles, sessionCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.getAgent(systemPromptID)
	if err != nil {
		return err
	}
	if agent.CachedPercentiles != nil {
		return nil
	}
	agent.CachedPercentiles = percentiles
	agent.PercentilesSessionCount = sessionCount
	slog.Info("Froze behavioral percentiles", "system_prompt_id", systemPromptID, "sessions", sessionCount)
	return s.saveAgent(agent)
}

// GlobalStats is the store-wide summary for the stats endpoint.
type GlobalStats struct {
	UptimeSeconds  float64        `json:"uptime_seconds"`
	TotalEvents    int            `json:"total_events"`
	TotalSessions  int            `json:"total_sessions"`
	ActiveSessions int            `json:"active_sessions"`
	TotalAgents    int            `json:"total_agents"`
	ToolUsage      map[string]int `json:"tool_usage"`
	ErrorTypes     map[string]int `json:"error_types"`
}

// GetGlobalStats returns store-wide statistics.
func (s *TraceStore) GetGlobalStats() (*GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &GlobalStats{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		TotalEvents:   s.totalEvents,
		ToolUsage:     make(map[string]int, len(s.toolUsage)),
		ErrorTypes:    make(map[string]int, len(s.errorTypes)),
	}
	for k, v := range s.toolUsage {
		stats.ToolUsage[k] = v
	}
	for k, v := range s.errorTypes {
		stats.ErrorTypes[k] = v
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&stats.TotalSessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE is_active = 1 AND is_completed = 0").Scan(&stats.ActiveSessions); err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&stats.TotalAgents); err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	return stats, nil
}

// SaveSignatureIndex upserts a session's current resolver signature. The
// index mirrors the in-memory resolver state so an operator can correlate
// raw request signatures with sessions after the fact.
func (s *TraceStore) SaveSignatureIndex(sessionID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions_signature_index (session_id, signature, updated_at)
		VALUES (?, ?, ?)`, sessionID, signature, toUnix(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save signature index: %w", err)
	}
	return nil
}

// LookupSignatureIndex returns the session id recorded for a signature, or
// ErrNotFound.
func (s *TraceStore) LookupSignatureIndex(signature string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionID string
	err := s.db.QueryRow(`SELECT session_id FROM sessions_signature_index WHERE signature = ?`,
		signature).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up signature: %w", err)
	}
	return sessionID, nil
}

// GetRecentEvents returns the most recent events from the global ring,
// newest last.
func (s *TraceStore) GetRecentEvents(limit int) []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]*events.Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out
}
