package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// storeSecurityCheck persists one assessment check row.
// Assumes the store lock is held when called from PersistSecurityChecks.
func (s *TraceStore) storeSecurityCheck(rec *models.SecurityCheckRecord) error {
	evidence, err := marshalJSON(rec.Evidence)
	if err != nil {
		return err
	}
	recs, err := marshalJSON(rec.Recommendations)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO security_checks (
			check_id, system_prompt_id, agent_id, analysis_session_id,
			category_id, check_type, status, title, description,
			value, evidence, recommendations, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CheckID, rec.SystemPromptID, nullString(rec.AgentID), rec.AnalysisSessionID,
		rec.CategoryID, rec.CheckType, rec.Status, rec.Title, nullString(rec.Description),
		nullString(rec.Value), evidence, recs, toUnix(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert security check %s: %w", rec.CheckID, err)
	}
	return nil
}

// PersistSecurityChecks bulk-inserts every check of a security report under
// the given analysis session. Returns the number of checks persisted.
func (s *TraceStore) PersistSecurityChecks(systemPromptID string, report *models.SecurityReport, analysisSessionID, agentID string) (int, error) {
	if report == nil || len(report.Categories) == 0 {
		slog.Warn("No security categories to persist", "system_prompt_id", systemPromptID)
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for categoryID, category := range report.Categories {
		for _, check := range category.Checks {
			checkID := check.CheckID
			if checkID == "" {
				checkID = uuid.New().String()
			}
			rec := &models.SecurityCheckRecord{
				CheckID:           analysisSessionID + "_" + checkID,
				SystemPromptID:    systemPromptID,
				AgentID:           agentID,
				AnalysisSessionID: analysisSessionID,
				CategoryID:        categoryID,
				CheckType:         check.CheckID,
				Status:            check.Status,
				Title:             check.Name,
				Description:       check.Description,
				Value:             check.Value,
				Evidence:          check.Evidence,
				Recommendations:   check.Recommendations,
				CreatedAt:         now,
			}
			if err := s.storeSecurityCheck(rec); err != nil {
				return count, err
			}
			count++
		}
	}
	slog.Info("Persisted security checks",
		"system_prompt_id", systemPromptID, "count", count, "analysis_session_id", analysisSessionID)
	return count, nil
}

const securityCheckColumns = `check_id, system_prompt_id, agent_id, analysis_session_id,
	category_id, check_type, status, title, description, value, evidence, recommendations, created_at`

// GetSecurityChecks lists checks with optional filters.
func (s *TraceStore) GetSecurityChecks(systemPromptID, analysisSessionID, status string, limit int) ([]*models.SecurityCheckRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.querySecurityChecks(systemPromptID, analysisSessionID, status, limit)
}

func (s *TraceStore) querySecurityChecks(systemPromptID, analysisSessionID, status string, limit int) ([]*models.SecurityCheckRecord, error) {
	query := `SELECT ` + securityCheckColumns + ` FROM security_checks WHERE 1=1`
	var args []any
	if systemPromptID != "" {
		query += " AND system_prompt_id = ?"
		args = append(args, systemPromptID)
	}
	if analysisSessionID != "" {
		query += " AND analysis_session_id = ?"
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
		return nil, fmt.Errorf("failed to query security checks: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityCheckRecord
	for rows.Next() {
		rec, err := scanSecurityCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetLatestSecurityChecksForAgent returns the checks from the agent's most
// recent analysis session.
func (s *TraceStore) GetLatestSecurityChecksForAgent(systemPromptID string) ([]*models.SecurityCheckRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var analysisSessionID string
	err := s.db.QueryRow(`SELECT analysis_session_id FROM security_checks
		WHERE system_prompt_id = ? ORDER BY created_at DESC LIMIT 1`, systemPromptID).Scan(&analysisSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest analysis session: %w", err)
	}
	return s.querySecurityChecks(systemPromptID, analysisSessionID, "", 0)
}

func scanSecurityCheck(scanner interface{ Scan(...any) error }) (*models.SecurityCheckRecord, error) {
	var (
		rec                         models.SecurityCheckRecord
		agentID, description, value sql.NullString
		evidence, recommendations   sql.NullString
		createdAt                   float64
	)
	err := scanner.Scan(&rec.CheckID, &rec.SystemPromptID, &agentID, &rec.AnalysisSessionID,
		&rec.CategoryID, &rec.CheckType, &rec.Status, &rec.Title, &description,
		&value, &evidence, &recommendations, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.AgentID = agentID.String
	rec.Description = description.String
	rec.Value = value.String
	if evidence.Valid && evidence.String != "null" {
		if err := json.Unmarshal([]byte(evidence.String), &rec.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode check evidence: %w", err)
		}
	}
	if recommendations.Valid && recommendations.String != "null" {
		if err := json.Unmarshal([]byte(recommendations.String), &rec.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to decode check recommendations: %w", err)
		}
	}
	rec.CreatedAt = fromUnix(createdAt)
	return &rec, nil
}

// StoreBehavioralAnalysis persists one behavioral result row.
func (s *TraceStore) StoreBehavioralAnalysis(systemPromptID, analysisSessionID string, result *models.BehavioralResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clusters, err := marshalJSON(result.Clusters)
	if err != nil {
		return "", err
	}
	outliers, err := marshalJSON(result.Outliers)
	if err != nil {
		return "", err
	}
	centroids, err := marshalJSON(result.CentroidDistances)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO behavioral_analysis (
			id, system_prompt_id, analysis_session_id,
			stability_score, predictability_score, cluster_diversity,
			num_clusters, num_outliers, total_sessions,
			interpretation, clusters, outliers, centroid_distances, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, systemPromptID, analysisSessionID,
		result.StabilityScore, result.PredictabilityScore, result.ClusterDiversity,
		result.NumClusters, result.NumOutliers, result.TotalSessions,
		nullString(result.Interpretation), clusters, outliers, centroids,
		toUnix(time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("failed to insert behavioral analysis: %w", err)
	}
	return id, nil
}

// GetLatestBehavioralAnalysis returns the newest behavioral result for an
// agent, or ErrNotFound.
func (s *TraceStore) GetLatestBehavioralAnalysis(systemPromptID string) (*models.BehavioralResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result                        models.BehavioralResult
		interpretation                sql.NullString
		clusters, outliers, centroids sql.NullString
	)
	err := s.db.QueryRow(`SELECT stability_score, predictability_score, cluster_diversity,
			num_clusters, num_outliers, total_sessions,
			interpretation, clusters, outliers, centroid_distances
		FROM behavioral_analysis WHERE system_prompt_id = ?
		ORDER BY created_at DESC LIMIT 1`, systemPromptID).Scan(
		&result.StabilityScore, &result.PredictabilityScore, &result.ClusterDiversity,
		&result.NumClusters, &result.NumOutliers, &result.TotalSessions,
		&interpretation, &clusters, &outliers, &centroids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get behavioral analysis: %w", err)
	}

	result.Interpretation = interpretation.String
	if clusters.Valid {
		if err := json.Unmarshal([]byte(clusters.String), &result.Clusters); err != nil {
			return nil, fmt.Errorf("failed to decode clusters: %w", err)
		}
	}
	if outliers.Valid {
		if err := json.Unmarshal([]byte(outliers.String), &result.Outliers); err != nil {
			return nil, fmt.Errorf("failed to decode outliers: %w", err)
		}
	}
	if centroids.Valid {
		if err := json.Unmarshal([]byte(centroids.String), &result.CentroidDistances); err != nil {
			return nil, fmt.Errorf("failed to decode centroid distances: %w", err)
		}
	}
	return &result, nil
}
