package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// storeFindingRequest is the body of POST /api/findings.
type storeFindingRequest struct {
	FindingID    string         `json:"finding_id"`
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	FilePath     string         `json:"file_path"`
	LineStart    *int           `json:"line_start"`
	LineEnd      *int           `json:"line_end"`
	FindingType  string         `json:"finding_type"`
	Severity     string         `json:"severity"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Evidence     map[string]any `json:"evidence"`
	OWASPMapping []string       `json:"owasp_mapping"`
	CWEMapping   []string       `json:"cwe_mapping"`
	MitreAtlas   string         `json:"mitre_atlas"`
	FixHints     string         `json:"fix_recommendation"`
}

// storeFindingHandler handles POST /api/findings.
func (s *Server) storeFindingHandler(c *echo.Context) error {
	var req storeFindingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	finding, err := s.store.StoreFinding(store.FindingInput{
		FindingID:    req.FindingID,
		SessionID:    req.SessionID,
		AgentID:      req.AgentID,
		FilePath:     req.FilePath,
		LineStart:    req.LineStart,
		LineEnd:      req.LineEnd,
		FindingType:  req.FindingType,
		Severity:     req.Severity,
		Title:        req.Title,
		Description:  req.Description,
		Evidence:     req.Evidence,
		OWASPMapping: req.OWASPMapping,
		CWEMapping:   req.CWEMapping,
		MitreAtlas:   req.MitreAtlas,
		FixHints:     req.FixHints,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, finding)
}

// updateFindingRequest is the body of PATCH /api/finding/:id.
type updateFindingRequest struct {
	Status      string `json:"status"`
	Notes       string `json:"notes"`
	PerformedBy string `json:"performed_by"`
}

// updateFindingHandler handles PATCH /api/finding/:id.
func (s *Server) updateFindingHandler(c *echo.Context) error {
	findingID := c.Param("id")
	if findingID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "finding id is required")
	}

	var req updateFindingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := models.FindingStatus(req.Status)
	switch status {
	case models.FindingOpen, models.FindingFixed, models.FindingIgnored:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be OPEN, FIXED, or IGNORED")
	}

	finding, err := s.store.UpdateFindingStatus(findingID, status, req.Notes, req.PerformedBy)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, finding)
}

// workflowFindingsHandler handles GET /api/workflow/:id/findings.
func (s *Server) workflowFindingsHandler(c *echo.Context) error {
	workflowID := c.Param("id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}
	findings, err := s.store.GetFindings(workflowID, "", c.QueryParam("status"), parseLimit(c))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"findings":    findings,
		"count":       len(findings),
	})
}

// sessionFindingsHandler handles GET /api/session/:id/findings (findings of
// one analysis session).
func (s *Server) sessionFindingsHandler(c *echo.Context) error {
	findings, err := s.store.GetFindings("", c.Param("id"), c.QueryParam("status"), parseLimit(c))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"findings": findings, "count": len(findings)})
}

// sessionAnalysisHandler handles GET /api/session/:id/analysis.
func (s *Server) sessionAnalysisHandler(c *echo.Context) error {
	session, err := s.store.GetAnalysisSession(c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// listAnalysisSessionsHandler handles GET /api/sessions/analysis.
func (s *Server) listAnalysisSessionsHandler(c *echo.Context) error {
	sessions, err := s.store.GetAnalysisSessions(
		c.QueryParam("agent_id"),
		models.AnalysisStatus(c.QueryParam("status")),
		parseLimit(c))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

// createAnalysisSessionRequest is the body of POST /api/sessions/analysis.
type createAnalysisSessionRequest struct {
	SessionID      string `json:"session_id"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	SystemPromptID string `json:"system_prompt_id"`
	SessionType    string `json:"session_type"`
}

// createAnalysisSessionHandler handles POST /api/sessions/analysis. Used by
// external analyzers (IDE static analysis) to record their runs.
func (s *Server) createAnalysisSessionHandler(c *echo.Context) error {
	var req createAnalysisSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	kind := models.AnalysisKind(req.SessionType)
	switch kind {
	case models.AnalysisStatic, models.AnalysisDynamic, models.AnalysisAutofix:
	case "":
		kind = models.AnalysisStatic
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session_type")
	}

	session, err := s.store.CreateAnalysisSession(req.SessionID, req.AgentID, kind, req.AgentName, req.SystemPromptID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// completeAnalysisSessionRequest is the body of
// POST /api/sessions/analysis/:id/complete.
type completeAnalysisSessionRequest struct {
	FindingsCount    *int `json:"findings_count"`
	RiskScore        *int `json:"risk_score"`
	SessionsAnalyzed *int `json:"sessions_analyzed"`
}

// completeAnalysisSessionHandler handles POST /api/sessions/analysis/:id/complete.
func (s *Server) completeAnalysisSessionHandler(c *echo.Context) error {
	var req completeAnalysisSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	session, err := s.store.CompleteAnalysisSession(c.Param("id"), req.FindingsCount, req.RiskScore, req.SessionsAnalyzed)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func parseLimit(c *echo.Context) int {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
