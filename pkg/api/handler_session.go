package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// sessionHandler handles GET /api/session/:id.
func (s *Server) sessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	data, err := s.engine.GetSessionData(sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, data)
}

// listSessionsHandler handles GET /api/sessions/list.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := store.SessionFilter{
		AgentID:        c.QueryParam("agent_id"),
		SystemPromptID: c.QueryParam("system_prompt_id"),
	}

	if v := c.QueryParam("status"); v != "" {
		switch v {
		case "ACTIVE", "INACTIVE", "COMPLETED":
			filter.Status = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be ACTIVE, INACTIVE, or COMPLETED")
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filter.Offset = n
	}

	page, err := s.engine.ListSessions(filter)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, page)
}
