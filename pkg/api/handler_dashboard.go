package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// dashboardHandler handles GET /api/dashboard.
func (s *Server) dashboardHandler(c *echo.Context) error {
	data, err := s.engine.GetDashboardData(c.QueryParam("workflow_id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, data)
}

// statsHandler handles GET /api/stats.
func (s *Server) statsHandler(c *echo.Context) error {
	stats, err := s.store.GetGlobalStats()
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// workflowsHandler handles GET /api/workflows: the distinct coarse agent ids
// seen so far, for the dashboard workflow selector.
func (s *Server) workflowsHandler(c *echo.Context) error {
	agents, err := s.store.GetAllAgents("")
	if err != nil {
		return mapStoreError(err)
	}
	seen := make(map[string]struct{})
	workflows := make([]string, 0)
	for _, agent := range agents {
		if agent.AgentID == "" {
			continue
		}
		if _, ok := seen[agent.AgentID]; !ok {
			seen[agent.AgentID] = struct{}{}
			workflows = append(workflows, agent.AgentID)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": workflows})
}

// agentsHandler handles GET /api/agents.
func (s *Server) agentsHandler(c *echo.Context) error {
	data, err := s.engine.GetDashboardData(c.QueryParam("workflow_id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": data.Agents})
}

// agentHandler handles GET /api/agent/:id.
func (s *Server) agentHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	data, err := s.engine.GetAgentData(agentID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, data)
}

// configHandler handles GET /api/config.
func (s *Server) configHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"provider_type":     s.cfg.Upstream.ProviderType,
		"provider_base_url": s.cfg.Upstream.BaseURL,
		"refresh_interval":  s.cfg.Server.RefreshInterval,
		"resolver":          s.resolver.Metrics(),
		"pricing":           s.pricing.Info(),
	})
}

// modelsHandler handles GET /api/models.
func (s *Server) modelsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"models":       s.pricing.Models(),
		"last_updated": s.pricing.LastUpdated(),
	})
}
