package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// CreateAnalysisSession inserts a new IN_PROGRESS analysis session row.
func (s *TraceStore) CreateAnalysisSession(sessionID, agentID string, kind models.AnalysisKind, agentName, systemPromptID string) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if agentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO analysis_sessions (
			session_id, agent_id, agent_name, system_prompt_id, session_type, status, created_at, findings_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		sessionID, agentID, nullString(agentName), nullString(systemPromptID),
		string(kind), string(models.AnalysisInProgress), toUnix(now))
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create analysis session: %w", err)
	}

	return &models.AnalysisSession{
		SessionID:      sessionID,
		AgentID:        agentID,
		AgentName:      agentName,
		SystemPromptID: systemPromptID,
		Kind:           kind,
		Status:         models.AnalysisInProgress,
		CreatedAt:      now,
	}, nil
}

// CompleteAnalysisSession marks an analysis session COMPLETED. Nil findings
// count keeps the running total accumulated by StoreFinding.
func (s *TraceStore) CompleteAnalysisSession(sessionID string, findingsCount *int, riskScore *int, sessionsAnalyzed *int) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE analysis_sessions
		SET status = ?, completed_at = ?,
		    findings_count = COALESCE(?, findings_count),
		    risk_score = ?,
		    sessions_analyzed = COALESCE(?, sessions_analyzed)
		WHERE session_id = ?`,
		string(models.AnalysisCompleted), toUnix(now),
		intPtr(findingsCount), intPtr(riskScore), intPtr(sessionsAnalyzed), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete analysis session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.getAnalysisSession(sessionID)
}

// GetAnalysisSession returns one analysis session by id.
func (s *TraceStore) GetAnalysisSession(sessionID string) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAnalysisSession(sessionID)
}

func (s *TraceStore) getAnalysisSession(sessionID string) (*models.AnalysisSession, error) {
	row := s.db.QueryRow(`SELECT session_id, agent_id, agent_name, system_prompt_id, session_type,
		status, created_at, completed_at, findings_count, risk_score, sessions_analyzed
		FROM analysis_sessions WHERE session_id = ?`, sessionID)
	as, err := scanAnalysisSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis session %s: %w", sessionID, err)
	}
	return as, nil
}

// GetAnalysisSessions lists analysis sessions with optional filters.
func (s *TraceStore) GetAnalysisSessions(agentID string, status models.AnalysisStatus, limit int) ([]*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT session_id, agent_id, agent_name, system_prompt_id, session_type,
		status, created_at, completed_at, findings_count, risk_score, sessions_analyzed
		FROM analysis_sessions WHERE 1=1`
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.AnalysisSession
	for rows.Next() {
		as, err := scanAnalysisSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	return out, rows.Err()
}

func scanAnalysisSession(scanner interface{ Scan(...any) error }) (*models.AnalysisSession, error) {
	var (
		as                        models.AnalysisSession
		agentName, systemPromptID sql.NullString
		kind, status              string
		createdAt                 float64
		completedAt               sql.NullFloat64
		riskScore, sessionsAn     sql.NullInt64
	)
	err := scanner.Scan(&as.SessionID, &as.AgentID, &agentName, &systemPromptID, &kind,
		&status, &createdAt, &completedAt, &as.FindingsCount, &riskScore, &sessionsAn)
	if err != nil {
		return nil, err
	}
	as.AgentName = agentName.String
	as.SystemPromptID = systemPromptID.String
	as.Kind = models.AnalysisKind(kind)
	as.Status = models.AnalysisStatus(status)
	as.CreatedAt = fromUnix(createdAt)
	as.CompletedAt = fromUnixPtr(completedAt)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		as.RiskScore = &v
	}
	if sessionsAn.Valid {
		v := int(sessionsAn.Int64)
		as.SessionsAnalyzed = &v
	}
	return &as, nil
}

// GetCompletedSessionCount counts completed sessions for an agent.
func (s *TraceStore) GetCompletedSessionCount(systemPromptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE system_prompt_id = ? AND is_completed = 1`,
		systemPromptID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed sessions: %w", err)
	}
	return count, nil
}

// GetAgentLastAnalyzedCount returns the completed-session count at the time
// of the agent's last analysis.
func (s *TraceStore) GetAgentLastAnalyzedCount(systemPromptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`SELECT last_analyzed_session_count FROM agents WHERE system_prompt_id = ?`,
		systemPromptID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last analyzed count: %w", err)
	}
	return count, nil
}

// UpdateAgentLastAnalyzed advances the analyzed-count watermark. The runner's
// invariant last_analyzed_session_count ≤ completed_session_count holds
// because the watermark is always set to a count observed after completion.
func (s *TraceStore) UpdateAgentLastAnalyzed(systemPromptID string, sessionCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE agents SET last_analyzed_session_count = ? WHERE system_prompt_id = ?`,
		sessionCount, systemPromptID)
	if err != nil {
		return fmt.Errorf("failed to update last analyzed count: %w", err)
	}
	slog.Debug("Updated analyzed watermark", "system_prompt_id", systemPromptID, "count", sessionCount)
	return nil
}

// GetAgentsNeedingAnalysis finds agents whose completed-session count reached
// minSessions and exceeds the analyzed watermark. Used on startup to recover
// analyses missed during downtime.
func (s *TraceStore) GetAgentsNeedingAnalysis(minSessions int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT a.system_prompt_id
		FROM agents a
		WHERE (
			SELECT COUNT(*) FROM sessions s
			WHERE s.system_prompt_id = a.system_prompt_id AND s.is_completed = 1
		) >= ?
		AND (
			SELECT COUNT(*) FROM sessions s
			WHERE s.system_prompt_id = a.system_prompt_id AND s.is_completed = 1
		) > COALESCE(a.last_analyzed_session_count, 0)`, minSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents needing analysis: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetUnanalyzedSessions returns completed sessions that no analysis has
// processed yet, oldest first.
func (s *TraceStore) GetUnanalyzedSessions(systemPromptID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE is_completed = 1
		AND (last_analysis_session_id IS NULL OR last_analysis_session_id = '')`
	var args []any
	if systemPromptID != "" {
		query += " AND system_prompt_id = ?"
		args = append(args, systemPromptID)
	}
	query += " ORDER BY created_at ASC"
	return s.querySessions(query, args...)
}

// GetUnanalyzedSessionCount counts completed-but-unanalyzed sessions.
func (s *TraceStore) GetUnanalyzedSessionCount(systemPromptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT COUNT(*) FROM sessions
		WHERE is_completed = 1
		AND (last_analysis_session_id IS NULL OR last_analysis_session_id = '')`
	var args []any
	if systemPromptID != "" {
		query += " AND system_prompt_id = ?"
		args = append(args, systemPromptID)
	}
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unanalyzed sessions: %w", err)
	}
	return count, nil
}

// MarkSessionsAnalyzed stamps sessions with the analysis session that
// processed them. Returns the number of rows updated.
func (s *TraceStore) MarkSessionsAnalyzed(sessionIDs []string, analysisSessionID string) (int, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionIDs)), ",")
	args := make([]any, 0, len(sessionIDs)+1)
	args = append(args, analysisSessionID)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	res, err := s.db.Exec(`UPDATE sessions SET last_analysis_session_id = ?
		WHERE session_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sessions analyzed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Info("Marked sessions as analyzed", "count", n, "analysis_session_id", analysisSessionID)
	return int(n), nil
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// isConstraintError reports whether err is a SQLite constraint violation.
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
