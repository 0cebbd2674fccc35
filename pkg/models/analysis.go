package models

import "time"

// AnalysisKind classifies an analysis run.
type AnalysisKind string

const (
	AnalysisStatic  AnalysisKind = "STATIC"
	AnalysisDynamic AnalysisKind = "DYNAMIC"
	AnalysisAutofix AnalysisKind = "AUTOFIX"
)

// AnalysisStatus is the lifecycle of an analysis session. IN_PROGRESS →
// COMPLETED is terminal; the runner retries by creating new sessions.
type AnalysisStatus string

const (
	AnalysisInProgress AnalysisStatus = "IN_PROGRESS"
	AnalysisCompleted  AnalysisStatus = "COMPLETED"
)

// AnalysisSession is the record of one analysis run over a set of completed
// conversations.
type AnalysisSession struct {
	SessionID        string         `json:"session_id"`
	AgentID          string         `json:"agent_id"`
	AgentName        string         `json:"agent_name,omitempty"`
	SystemPromptID   string         `json:"system_prompt_id,omitempty"`
	Kind             AnalysisKind   `json:"session_type"`
	Status           AnalysisStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	FindingsCount    int            `json:"findings_count"`
	RiskScore        *int           `json:"risk_score,omitempty"`
	SessionsAnalyzed *int           `json:"sessions_analyzed,omitempty"`
}

// FindingStatus is the lifecycle of a finding.
type FindingStatus string

const (
	FindingOpen    FindingStatus = "OPEN"
	FindingFixed   FindingStatus = "FIXED"
	FindingIgnored FindingStatus = "IGNORED"
)

// Finding is a security finding attached to an analysis session.
// De-duplicated by a SHA-256 fingerprint over (type, file, line, snippet).
type Finding struct {
	FindingID   string         `json:"finding_id"`
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id"`
	FilePath    string         `json:"file_path"`
	LineStart   *int           `json:"line_start,omitempty"`
	LineEnd     *int           `json:"line_end,omitempty"`
	FindingType string         `json:"finding_type"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`

	OWASPMapping []string `json:"owasp_mapping,omitempty"`
	CWEMapping   []string `json:"cwe_mapping,omitempty"`
	MitreAtlas   string   `json:"mitre_atlas,omitempty"`

	Status      FindingStatus `json:"status"`
	Fingerprint string        `json:"fingerprint"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// RecommendationStatus is the lifecycle of a recommendation.
type RecommendationStatus string

const (
	RecommendationPending   RecommendationStatus = "PENDING"
	RecommendationFixing    RecommendationStatus = "FIXING"
	RecommendationFixed     RecommendationStatus = "FIXED"
	RecommendationVerified  RecommendationStatus = "VERIFIED"
	RecommendationDismissed RecommendationStatus = "DISMISSED"
	RecommendationIgnored   RecommendationStatus = "IGNORED"
)

// Recommendation is derived from a finding and tracks remediation. Every
// status transition is appended to the audit log.
type Recommendation struct {
	RecommendationID string `json:"recommendation_id"`
	AgentID          string `json:"agent_id"`

	SourceType      string `json:"source_type"`
	SourceCheckID   string `json:"source_check_id"`
	SourceFindingID string `json:"source_finding_id,omitempty"`

	Severity   string `json:"severity"`
	OWASPLLM   string `json:"owasp_llm,omitempty"`
	CWE        string `json:"cwe,omitempty"`
	MitreAtlas string `json:"mitre_atlas,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FixHints    string `json:"fix_hints,omitempty"`

	FilePath    string `json:"file_path,omitempty"`
	LineStart   *int   `json:"line_start,omitempty"`
	LineEnd     *int   `json:"line_end,omitempty"`
	CodeSnippet string `json:"code_snippet,omitempty"`

	Status RecommendationStatus `json:"status"`

	FixedBy  string     `json:"fixed_by,omitempty"`
	FixedAt  *time.Time `json:"fixed_at,omitempty"`
	FixNotes string     `json:"fix_notes,omitempty"`

	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	VerifiedBy         string     `json:"verified_by,omitempty"`
	VerificationResult string     `json:"verification_result,omitempty"`

	DismissedReason string     `json:"dismissed_reason,omitempty"`
	DismissedBy     string     `json:"dismissed_by,omitempty"`
	DismissedAt     *time.Time `json:"dismissed_at,omitempty"`

	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SecurityCheckRecord is one persisted assessment check row.
type SecurityCheckRecord struct {
	CheckID           string         `json:"check_id"`
	SystemPromptID    string         `json:"system_prompt_id"`
	AgentID           string         `json:"agent_id,omitempty"`
	AnalysisSessionID string         `json:"analysis_session_id"`
	CategoryID        string         `json:"category_id"`
	CheckType         string         `json:"check_type"`
	Status            string         `json:"status"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Value             string         `json:"value,omitempty"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	Recommendations   []string       `json:"recommendations,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// AuditEntry records one state transition on a finding or recommendation.
type AuditEntry struct {
	ID            int64     `json:"id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Action        string    `json:"action"`
	PreviousValue string    `json:"previous_value,omitempty"`
	NewValue      string    `json:"new_value,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	PerformedBy   string    `json:"performed_by,omitempty"`
	PerformedAt   time.Time `json:"performed_at"`
}
