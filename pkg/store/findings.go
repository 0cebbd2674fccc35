package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// FindingInput carries the caller-supplied fields for StoreFinding.
type FindingInput struct {
	FindingID    string
	SessionID    string // analysis session id
	AgentID      string
	FilePath     string
	LineStart    *int
	LineEnd      *int
	FindingType  string
	Severity     string
	Title        string
	Description  string
	Evidence     map[string]any
	OWASPMapping []string
	CWEMapping   []string
	MitreAtlas   string
	FixHints     string
}

// fingerprint computes the de-duplication hash over
// (type, file, line, snippet[:100]).
func (in *FindingInput) fingerprint() string {
	snippet := ""
	if in.Evidence != nil {
		if v, ok := in.Evidence["code_snippet"].(string); ok {
			snippet = v
		}
	}
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	line := ""
	if in.LineStart != nil {
		line = fmt.Sprintf("%d", *in.LineStart)
	}
	sum := sha256.Sum256([]byte(in.FindingType + "|" + in.FilePath + "|" + line + "|" + snippet))
	return hex.EncodeToString(sum[:])
}

// StoreFinding inserts a finding, de-duplicated by fingerprint: a duplicate
// refreshes the existing OPEN row's updated_at and returns it, and the
// analysis session's findings_count increments only on first insert. A new
// finding also auto-creates a PENDING recommendation.
func (s *TraceStore) StoreFinding(in FindingInput) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if in.FilePath == "" {
		return nil, NewValidationError("file_path", "required")
	}
	if in.FindingType == "" {
		return nil, NewValidationError("finding_type", "required")
	}
	if in.FindingID == "" {
		in.FindingID = uuid.New().String()
	}

	now := time.Now().UTC()
	fingerprint := in.fingerprint()

	var existingID string
	err := s.db.QueryRow(`SELECT finding_id FROM findings
		WHERE agent_id = ? AND fingerprint = ? AND status = 'OPEN'`,
		in.AgentID, fingerprint).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := s.db.Exec(`UPDATE findings SET updated_at = ? WHERE finding_id = ?`,
			toUnix(now), existingID); err != nil {
			return nil, fmt.Errorf("failed to refresh finding %s: %w", existingID, err)
		}
		return s.getFinding(existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check finding fingerprint: %w", err)
	}

	evidence, err := marshalJSON(in.Evidence)
	if err != nil {
		return nil, err
	}
	owasp, err := marshalJSON(in.OWASPMapping)
	if err != nil {
		return nil, err
	}
	cwe, err := marshalJSON(in.CWEMapping)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`INSERT INTO findings (
			finding_id, session_id, agent_id, file_path, line_start, line_end,
			finding_type, severity, title, description, evidence,
			owasp_mapping, cwe_mapping, mitre_atlas, fingerprint,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?, ?)`,
		in.FindingID, in.SessionID, in.AgentID, in.FilePath, intPtrCol(in.LineStart), intPtrCol(in.LineEnd),
		in.FindingType, in.Severity, in.Title, nullString(in.Description), evidence,
		owasp, cwe, nullString(in.MitreAtlas), fingerprint,
		toUnix(now), toUnix(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert finding: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE analysis_sessions SET findings_count = findings_count + 1
		WHERE session_id = ?`, in.SessionID); err != nil {
		return nil, fmt.Errorf("failed to bump findings count: %w", err)
	}

	if err := s.createRecommendationFromFinding(&in, fingerprint, now); err != nil {
		// Recommendation creation is best-effort; the finding is already
		// committed and remains authoritative.
		slog.Error("Failed to create recommendation from finding",
			"finding_id", in.FindingID, "error", err)
	}

	return s.getFinding(in.FindingID)
}

// GetFinding returns a finding by id.
func (s *TraceStore) GetFinding(findingID string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFinding(findingID)
}

const findingColumns = `finding_id, session_id, agent_id, file_path, line_start, line_end,
	finding_type, severity, title, description, evidence,
	owasp_mapping, cwe_mapping, mitre_atlas, fingerprint, status, created_at, updated_at`

func (s *TraceStore) getFinding(findingID string) (*models.Finding, error) {
	row := s.db.QueryRow(`SELECT `+findingColumns+` FROM findings WHERE finding_id = ?`, findingID)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding %s: %w", findingID, err)
	}
	return f, nil
}

// GetFindings lists findings with optional filters.
func (s *TraceStore) GetFindings(agentID, analysisSessionID, status string, limit int) ([]*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if analysisSessionID != "" {
		query += " AND session_id = ?"
		args = append(args, analysisSessionID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFindingStatus transitions a finding OPEN → FIXED | IGNORED. Notes are
// appended to the description; updated_at is bumped; the transition is
// audit-logged.
func (s *TraceStore) UpdateFindingStatus(findingID string, status models.FindingStatus, notes, performedBy string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	finding, err := s.getFinding(findingID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	description := finding.Description
	if notes != "" {
		if description != "" {
			description += "\n\n"
		}
		description += "[" + now.Format(time.RFC3339) + "] " + notes
	}

	_, err = s.db.Exec(`UPDATE findings SET status = ?, description = ?, updated_at = ? WHERE finding_id = ?`,
		string(status), nullString(description), toUnix(now), findingID)
	if err != nil {
		return nil, fmt.Errorf("failed to update finding status: %w", err)
	}

	if err := s.logAudit("FINDING", findingID, "STATUS_CHANGED",
		string(finding.Status), string(status), notes, performedBy, now); err != nil {
		return nil, err
	}
	return s.getFinding(findingID)
}

func scanFinding(scanner interface{ Scan(...any) error }) (*models.Finding, error) {
	var (
		f                              models.Finding
		lineStart, lineEnd             sql.NullInt64
		description, evidence          sql.NullString
		owasp, cwe, mitre, fingerprint sql.NullString
		status                         string
		createdAt, updatedAt           float64
	)
	err := scanner.Scan(&f.FindingID, &f.SessionID, &f.AgentID, &f.FilePath, &lineStart, &lineEnd,
		&f.FindingType, &f.Severity, &f.Title, &description, &evidence,
		&owasp, &cwe, &mitre, &fingerprint, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if lineStart.Valid {
		v := int(lineStart.Int64)
		f.LineStart = &v
	}
	if lineEnd.Valid {
		v := int(lineEnd.Int64)
		f.LineEnd = &v
	}
	f.Description = description.String
	if evidence.Valid && evidence.String != "null" {
		if err := json.Unmarshal([]byte(evidence.String), &f.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode finding evidence: %w", err)
		}
	}
	if owasp.Valid && owasp.String != "null" {
		if err := json.Unmarshal([]byte(owasp.String), &f.OWASPMapping); err != nil {
			return nil, fmt.Errorf("failed to decode owasp mapping: %w", err)
		}
	}
	if cwe.Valid && cwe.String != "null" {
		if err := json.Unmarshal([]byte(cwe.String), &f.CWEMapping); err != nil {
			return nil, fmt.Errorf("failed to decode cwe mapping: %w", err)
		}
	}
	f.MitreAtlas = mitre.String
	f.Fingerprint = fingerprint.String
	f.Status = models.FindingStatus(status)
	f.CreatedAt = fromUnix(createdAt)
	f.UpdatedAt = fromUnix(updatedAt)
	return &f, nil
}

func intPtrCol(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
