package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// Universal per-session bounds. Sessions past these limits are flagged
// regardless of behavioral context.
const (
	MaxTokensPerSession    = 50000
	MaxToolCallsPerSession = 50
)

// errorRateWarning escalates the reliability check when exceeded (percent).
const errorRateWarning = 5.0

// GenerateSecurityReport runs the rule checks over an agent's sessions and
// behavioral result, producing categorized assessment checks.
func GenerateSecurityReport(agentID string, sessions []*models.Session, behavioral *models.BehavioralResult) *models.SecurityReport {
	report := &models.SecurityReport{
		ReportID:         uuid.New().String(),
		AgentID:          agentID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		SessionsAnalyzed: len(sessions),
		Categories:       make(map[string]*models.AssessmentCategory),
	}

	report.Categories["RESOURCE_MANAGEMENT"] = resourceCategory(sessions)
	report.Categories["RELIABILITY"] = reliabilityCategory(sessions)
	report.Categories["BEHAVIORAL_STABILITY"] = behavioralCategory(behavioral)
	return report
}

func resourceCategory(sessions []*models.Session) *models.AssessmentCategory {
	category := &models.AssessmentCategory{
		CategoryID:   "RESOURCE_MANAGEMENT",
		CategoryName: "Resource Management",
		Description:  "Per-session consumption bounds",
	}

	tokenViolations := 0
	toolViolations := 0
	maxTokens := 0
	maxTools := 0
	for _, s := range sessions {
		if s.TotalTokens > MaxTokensPerSession {
			tokenViolations++
		}
		if s.ToolUses > MaxToolCallsPerSession {
			toolViolations++
		}
		if s.TotalTokens > maxTokens {
			maxTokens = s.TotalTokens
		}
		if s.ToolUses > maxTools {
			maxTools = s.ToolUses
		}
	}

	tokenStatus := models.CheckPassed
	var tokenRecs []string
	if tokenViolations > 0 {
		tokenStatus = models.CheckWarning
		tokenRecs = append(tokenRecs, "Cap max_tokens per request or trim conversation history before each call.")
	}
	category.Checks = append(category.Checks, models.AssessmentCheck{
		CheckID:     "RESOURCE_001_TOKEN_BOUNDS",
		Category:    category.CategoryName,
		Name:        "Token Usage Bounds",
		Description: fmt.Sprintf("Sessions must stay under %d total tokens", MaxTokensPerSession),
		Status:      tokenStatus,
		Value:       fmt.Sprintf("%d violations", tokenViolations),
		Evidence: map[string]any{
			"violations": tokenViolations,
			"max_tokens": maxTokens,
			"limit":      MaxTokensPerSession,
		},
		Recommendations: tokenRecs,
	})

	toolStatus := models.CheckPassed
	var toolRecs []string
	if toolViolations > 0 {
		toolStatus = models.CheckWarning
		toolRecs = append(toolRecs, "Bound agent loops with an explicit tool-call budget.")
	}
	category.Checks = append(category.Checks, models.AssessmentCheck{
		CheckID:     "RESOURCE_002_TOOL_BOUNDS",
		Category:    category.CategoryName,
		Name:        "Tool Call Bounds",
		Description: fmt.Sprintf("Sessions must stay under %d tool calls", MaxToolCallsPerSession),
		Status:      toolStatus,
		Value:       fmt.Sprintf("%d violations", toolViolations),
		Evidence: map[string]any{
			"violations":     toolViolations,
			"max_tool_calls": maxTools,
			"limit":          MaxToolCallsPerSession,
		},
		Recommendations: toolRecs,
	})

	return category
}

func reliabilityCategory(sessions []*models.Session) *models.AssessmentCategory {
	category := &models.AssessmentCategory{
		CategoryID:   "RELIABILITY",
		CategoryName: "Reliability",
		Description:  "Error rates across proxied calls",
	}

	totalMessages := 0
	totalErrors := 0
	for _, s := range sessions {
		totalMessages += s.MessageCount
		totalErrors += s.Errors
	}
	errorRate := 0.0
	if totalMessages > 0 {
		errorRate = float64(totalErrors) / float64(totalMessages) * 100
	}

	status := models.CheckPassed
	var recs []string
	if errorRate > errorRateWarning {
		status = models.CheckWarning
		recs = append(recs, "Inspect llm.call.error events for recurring upstream failures.")
	}
	category.Checks = append(category.Checks, models.AssessmentCheck{
		CheckID:     "RELIABILITY_001_ERROR_RATE",
		Category:    category.CategoryName,
		Name:        "Call Error Rate",
		Description: fmt.Sprintf("Error rate should stay under %.0f%%", errorRateWarning),
		Status:      status,
		Value:       fmt.Sprintf("%.1f%%", errorRate),
		Evidence: map[string]any{
			"total_messages": totalMessages,
			"total_errors":   totalErrors,
		},
		Recommendations: recs,
	})
	return category
}

func behavioralCategory(behavioral *models.BehavioralResult) *models.AssessmentCategory {
	category := &models.AssessmentCategory{
		CategoryID:   "BEHAVIORAL_STABILITY",
		CategoryName: "Behavioral Stability",
		Description:  "Anomaly rules over the clustering result",
	}

	if behavioral == nil || behavioral.TotalSessions < 2 {
		category.Checks = append(category.Checks, models.AssessmentCheck{
			CheckID:     "BEHAVIOR_001_OUTLIERS",
			Category:    category.CategoryName,
			Name:        "Behavioral Outliers",
			Description: "Outlier sessions relative to established clusters",
			Status:      models.CheckPassed,
			Value:       "insufficient data",
		})
		return category
	}

	highSeverity := 0
	for _, outlier := range behavioral.Outliers {
		if outlier.Severity == "high" || outlier.Severity == "critical" {
			highSeverity++
		}
	}

	outlierStatus := models.CheckPassed
	var outlierRecs []string
	switch {
	case highSeverity > 0:
		outlierStatus = models.CheckCritical
		outlierRecs = append(outlierRecs,
			"Review high-severity outlier sessions for prompt injection or tool abuse.")
	case behavioral.NumOutliers > 0:
		outlierStatus = models.CheckWarning
		outlierRecs = append(outlierRecs, "Review outlier sessions against the dominant behavior pattern.")
	}
	category.Checks = append(category.Checks, models.AssessmentCheck{
		CheckID:     "BEHAVIOR_001_OUTLIERS",
		Category:    category.CategoryName,
		Name:        "Behavioral Outliers",
		Description: "Outlier sessions relative to established clusters",
		Status:      outlierStatus,
		Value:       fmt.Sprintf("%d outliers (%d high severity)", behavioral.NumOutliers, highSeverity),
		Evidence: map[string]any{
			"num_outliers":  behavioral.NumOutliers,
			"high_severity": highSeverity,
		},
		Recommendations: outlierRecs,
	})

	stabilityStatus := models.CheckPassed
	var stabilityRecs []string
	if behavioral.NumClusters > 0 && behavioral.StabilityScore < 0.5 {
		stabilityStatus = models.CheckWarning
		stabilityRecs = append(stabilityRecs,
			"Behavior is fragmented across patterns; confirm the agent serves a single workload.")
	}
	category.Checks = append(category.Checks, models.AssessmentCheck{
		CheckID:     "BEHAVIOR_002_STABILITY",
		Category:    category.CategoryName,
		Name:        "Pattern Stability",
		Description: "Share of sessions in the dominant behavior pattern",
		Status:      stabilityStatus,
		Value:       fmt.Sprintf("%.2f score", behavioral.StabilityScore),
		Evidence: map[string]any{
			"stability_score":      behavioral.StabilityScore,
			"predictability_score": behavioral.PredictabilityScore,
			"num_clusters":         behavioral.NumClusters,
		},
		Recommendations: stabilityRecs,
	})

	return category
}
