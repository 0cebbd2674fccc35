package models

// Check statuses for security assessment checks.
const (
	CheckPassed   = "passed"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// AssessmentCheck is one rule evaluation inside a security report.
type AssessmentCheck struct {
	CheckID         string         `json:"check_id"`
	Category        string         `json:"category"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Status          string         `json:"status"` // passed, warning, critical
	Value           string         `json:"value,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// AssessmentCategory groups related checks.
type AssessmentCategory struct {
	CategoryID   string            `json:"category_id"`
	CategoryName string            `json:"category_name"`
	Description  string            `json:"description"`
	Checks       []AssessmentCheck `json:"checks"`
}

// HighestSeverity returns critical > warning > passed over the category's checks.
func (c *AssessmentCategory) HighestSeverity() string {
	severity := CheckPassed
	for _, check := range c.Checks {
		switch check.Status {
		case CheckCritical:
			return CheckCritical
		case CheckWarning:
			severity = CheckWarning
		}
	}
	return severity
}

// CriticalChecks counts checks with critical status.
func (c *AssessmentCategory) CriticalChecks() int {
	n := 0
	for _, check := range c.Checks {
		if check.Status == CheckCritical {
			n++
		}
	}
	return n
}

// WarningChecks counts checks with warning status.
func (c *AssessmentCategory) WarningChecks() int {
	n := 0
	for _, check := range c.Checks {
		if check.Status == CheckWarning {
			n++
		}
	}
	return n
}

// PassedChecks counts checks with passed status.
func (c *AssessmentCategory) PassedChecks() int {
	n := 0
	for _, check := range c.Checks {
		if check.Status == CheckPassed {
			n++
		}
	}
	return n
}

// SecurityReport is the complete assessment over an agent's sessions and
// behavioral result.
type SecurityReport struct {
	ReportID         string                         `json:"report_id"`
	AgentID          string                         `json:"agent_id"`
	Timestamp        string                         `json:"timestamp"`
	SessionsAnalyzed int                            `json:"sessions_analyzed"`
	Categories       map[string]*AssessmentCategory `json:"categories"`
}

// OverallStatus is critical if any category has a critical check, else
// warning if any has a warning, else passed.
func (r *SecurityReport) OverallStatus() string {
	status := CheckPassed
	for _, cat := range r.Categories {
		switch cat.HighestSeverity() {
		case CheckCritical:
			return CheckCritical
		case CheckWarning:
			status = CheckWarning
		}
	}
	return status
}

// TotalChecks counts checks across all categories.
func (r *SecurityReport) TotalChecks() int {
	n := 0
	for _, cat := range r.Categories {
		n += len(cat.Checks)
	}
	return n
}

// PassedChecks counts passed checks across all categories.
func (r *SecurityReport) PassedChecks() int {
	n := 0
	for _, cat := range r.Categories {
		n += cat.PassedChecks()
	}
	return n
}

// CriticalIssues counts critical checks across all categories.
func (r *SecurityReport) CriticalIssues() int {
	n := 0
	for _, cat := range r.Categories {
		n += cat.CriticalChecks()
	}
	return n
}

// Warnings counts warning checks across all categories.
func (r *SecurityReport) Warnings() int {
	n := 0
	for _, cat := range r.Categories {
		n += cat.WarningChecks()
	}
	return n
}

// Evaluation statuses exposed by the dashboard.
const (
	EvaluationComplete         = "COMPLETE"
	EvaluationPartial          = "PARTIAL"
	EvaluationInsufficientData = "INSUFFICIENT_DATA"
	EvaluationError            = "ERROR"
)

// RiskAnalysisResult combines behavioral analysis and the security report
// for one agent. PARTIAL means security checks ran but behavioral analysis
// is waiting for at least two completed sessions.
type RiskAnalysisResult struct {
	EvaluationID     string `json:"evaluation_id"`
	AgentID          string `json:"agent_id"`
	Timestamp        string `json:"timestamp"`
	SessionsAnalyzed int    `json:"sessions_analyzed"`
	EvaluationStatus string `json:"evaluation_status"`

	BehavioralAnalysis *BehavioralResult `json:"behavioral_analysis,omitempty"`
	SecurityReport     *SecurityReport   `json:"security_report,omitempty"`

	Summary map[string]any `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`

	// AnalyzedSessionIDs lists the completed sessions this result covered,
	// for incremental-analysis bookkeeping. Not serialized.
	AnalyzedSessionIDs []string `json:"-"`
}
