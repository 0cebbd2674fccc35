package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// createRecommendationFromFinding derives a PENDING recommendation from a
// freshly-inserted finding, de-duplicated by the finding fingerprint.
// Assumes the store lock is held.
func (s *TraceStore) createRecommendationFromFinding(in *FindingInput, fingerprint string, now time.Time) error {
	var existing string
	err := s.db.QueryRow(`SELECT recommendation_id FROM recommendations
		WHERE agent_id = ? AND fingerprint = ?`, in.AgentID, fingerprint).Scan(&existing)
	if err == nil {
		_, err = s.db.Exec(`UPDATE recommendations SET updated_at = ? WHERE recommendation_id = ?`,
			toUnix(now), existing)
		return err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check recommendation fingerprint: %w", err)
	}

	recID := "rec_" + uuid.New().String()
	owasp := ""
	if len(in.OWASPMapping) > 0 {
		owasp = in.OWASPMapping[0]
	}
	cwe := ""
	if len(in.CWEMapping) > 0 {
		cwe = in.CWEMapping[0]
	}
	snippet := ""
	if in.Evidence != nil {
		if v, ok := in.Evidence["code_snippet"].(string); ok {
			snippet = v
		}
	}

	_, err = s.db.Exec(`INSERT INTO recommendations (
			recommendation_id, agent_id, source_type, source_check_id, source_finding_id,
			severity, owasp_llm, cwe, mitre_atlas, title, description, fix_hints,
			file_path, line_start, line_end, code_snippet,
			status, fingerprint, created_at, updated_at
		) VALUES (?, ?, 'STATIC', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?, ?)`,
		recID, in.AgentID, in.FindingType, in.FindingID,
		in.Severity, nullString(owasp), nullString(cwe), nullString(in.MitreAtlas),
		in.Title, nullString(in.Description), nullString(in.FixHints),
		nullString(in.FilePath), intPtrCol(in.LineStart), intPtrCol(in.LineEnd), nullString(snippet),
		fingerprint, toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return s.logAudit("RECOMMENDATION", recID, "CREATED", "", string(models.RecommendationPending), "", "system", now)
}

const recommendationColumns = `recommendation_id, agent_id, source_type, source_check_id, source_finding_id,
	severity, owasp_llm, cwe, mitre_atlas, title, description, fix_hints,
	file_path, line_start, line_end, code_snippet, status,
	fixed_by, fixed_at, fix_notes, verified_at, verified_by, verification_result,
	dismissed_reason, dismissed_by, dismissed_at, fingerprint, created_at, updated_at`

// GetRecommendation returns a recommendation by id.
func (s *TraceStore) GetRecommendation(recommendationID string) (*models.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRecommendation(recommendationID)
}

func (s *TraceStore) getRecommendation(recommendationID string) (*models.Recommendation, error) {
	row := s.db.QueryRow(`SELECT `+recommendationColumns+` FROM recommendations WHERE recommendation_id = ?`,
		recommendationID)
	rec, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recommendation %s: %w", recommendationID, err)
	}
	return rec, nil
}

// GetRecommendations lists recommendations with optional filters.
func (s *TraceStore) GetRecommendations(agentID string, status models.RecommendationStatus, limit int) ([]*models.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE 1=1`
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
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []*models.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StartFix transitions PENDING → FIXING.
func (s *TraceStore) StartFix(recommendationID, by string) (*models.Recommendation, error) {
	return s.transitionRecommendation(recommendationID, by, "",
		[]models.RecommendationStatus{models.RecommendationPending},
		models.RecommendationFixing, func(now time.Time) (string, []any) {
			return "", nil
		})
}

// CompleteFix transitions FIXING → FIXED and records fix notes.
func (s *TraceStore) CompleteFix(recommendationID, by, notes string) (*models.Recommendation, error) {
	return s.transitionRecommendation(recommendationID, by, notes,
		[]models.RecommendationStatus{models.RecommendationFixing},
		models.RecommendationFixed, func(now time.Time) (string, []any) {
			return ", fixed_by = ?, fixed_at = ?, fix_notes = ?", []any{by, toUnix(now), nullString(notes)}
		})
}

// VerifyFix transitions FIXED → VERIFIED with a verification result.
func (s *TraceStore) VerifyFix(recommendationID, by, result string) (*models.Recommendation, error) {
	return s.transitionRecommendation(recommendationID, by, result,
		[]models.RecommendationStatus{models.RecommendationFixed},
		models.RecommendationVerified, func(now time.Time) (string, []any) {
			return ", verified_at = ?, verified_by = ?, verification_result = ?", []any{toUnix(now), by, nullString(result)}
		})
}

// Dismiss moves a recommendation to DISMISSED (risk accepted) or IGNORED
// (false positive) from any non-terminal state.
func (s *TraceStore) Dismiss(recommendationID, by, reason string, ignored bool) (*models.Recommendation, error) {
	target := models.RecommendationDismissed
	if ignored {
		target = models.RecommendationIgnored
	}
	return s.transitionRecommendation(recommendationID, by, reason,
		[]models.RecommendationStatus{
			models.RecommendationPending, models.RecommendationFixing, models.RecommendationFixed,
		},
		target, func(now time.Time) (string, []any) {
			return ", dismissed_reason = ?, dismissed_by = ?, dismissed_at = ?", []any{nullString(reason), by, toUnix(now)}
		})
}

// transitionRecommendation applies a guarded status transition and appends
// it to the audit log.
func (s *TraceStore) transitionRecommendation(
	recommendationID, by, reason string,
	from []models.RecommendationStatus,
	to models.RecommendationStatus,
	extraSet func(time.Time) (string, []any),
) (*models.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getRecommendation(recommendationID)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, f := range from {
		if rec.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, NewValidationError("status",
			fmt.Sprintf("cannot transition from %s to %s", rec.Status, to))
	}

	now := time.Now().UTC()
	setClause, extraArgs := extraSet(now)
	args := append([]any{string(to), toUnix(now)}, extraArgs...)
	args = append(args, recommendationID)

	_, err = s.db.Exec(`UPDATE recommendations SET status = ?, updated_at = ?`+setClause+
		` WHERE recommendation_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition recommendation: %w", err)
	}

	if err := s.logAudit("RECOMMENDATION", recommendationID, "STATUS_CHANGED",
		string(rec.Status), string(to), reason, by, now); err != nil {
		return nil, err
	}
	return s.getRecommendation(recommendationID)
}

// logAudit appends one audit entry. Assumes the store lock is held.
func (s *TraceStore) logAudit(entityType, entityID, action, previous, next, reason, by string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO audit_log (
			entity_type, entity_id, action, previous_value, new_value, reason, performed_by, performed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entityType, entityID, action, nullString(previous), nullString(next),
		nullString(reason), nullString(by), toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog returns audit entries for one entity, oldest first.
func (s *TraceStore) GetAuditLog(entityType, entityID string, limit int) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, entity_type, entity_id, action,
			previous_value, new_value, reason, performed_by, performed_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ?
		ORDER BY performed_at ASC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var (
			entry                     models.AuditEntry
			previous, next, rsn, perf sql.NullString
			at                        float64
		)
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action,
			&previous, &next, &rsn, &perf, &at); err != nil {
			return nil, err
		}
		entry.PreviousValue = previous.String
		entry.NewValue = next.String
		entry.Reason = rsn.String
		entry.PerformedBy = perf.String
		entry.PerformedAt = fromUnix(at)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func scanRecommendation(scanner interface{ Scan(...any) error }) (*models.Recommendation, error) {
	var (
		rec                                       models.Recommendation
		sourceFindingID, owasp, cwe, mitre        sql.NullString
		description, fixHints, filePath, snippet  sql.NullString
		lineStart, lineEnd                        sql.NullInt64
		status                                    string
		fixedBy, fixNotes                         sql.NullString
		fixedAt, verifiedAt, dismissedAt          sql.NullFloat64
		verifiedBy, verificationResult            sql.NullString
		dismissedReason, dismissedBy, fingerprint sql.NullString
		createdAt, updatedAt                      float64
	)
	err := scanner.Scan(&rec.RecommendationID, &rec.AgentID, &rec.SourceType, &rec.SourceCheckID, &sourceFindingID,
		&rec.Severity, &owasp, &cwe, &mitre, &rec.Title, &description, &fixHints,
		&filePath, &lineStart, &lineEnd, &snippet, &status,
		&fixedBy, &fixedAt, &fixNotes, &verifiedAt, &verifiedBy, &verificationResult,
		&dismissedReason, &dismissedBy, &dismissedAt, &fingerprint, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.SourceFindingID = sourceFindingID.String
	rec.OWASPLLM = owasp.String
	rec.CWE = cwe.String
	rec.MitreAtlas = mitre.String
	rec.Description = description.String
	rec.FixHints = fixHints.String
	rec.FilePath = filePath.String
	if lineStart.Valid {
		v := int(lineStart.Int64)
		rec.LineStart = &v
	}
	if lineEnd.Valid {
		v := int(lineEnd.Int64)
		rec.LineEnd = &v
	}
	rec.CodeSnippet = snippet.String
	rec.Status = models.RecommendationStatus(status)
	rec.FixedBy = fixedBy.String
	rec.FixedAt = fromUnixPtr(fixedAt)
	rec.FixNotes = fixNotes.String
	rec.VerifiedAt = fromUnixPtr(verifiedAt)
	rec.VerifiedBy = verifiedBy.String
	rec.VerificationResult = verificationResult.String
	rec.DismissedReason = dismissedReason.String
	rec.DismissedBy = dismissedBy.String
	rec.DismissedAt = fromUnixPtr(dismissedAt)
	rec.Fingerprint = fingerprint.String
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return &rec, nil
}
