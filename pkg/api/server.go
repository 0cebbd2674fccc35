// Package api provides the dashboard/control HTTP API and mounts the proxy
// catch-all, the MCP endpoint, and the metrics endpoint.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/insights"
	"github.com/cylestio/cylestio-perimeter/pkg/pricing"
	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
	"github.com/cylestio/cylestio-perimeter/pkg/version"
)

// apiBodyLimit bounds control-API request bodies. Proxied LLM traffic is not
// subject to it (the proxy route is registered without this middleware).
const apiBodyLimit = 2 * 1024 * 1024

// ProxyHandler is the catch-all handler forwarding traffic upstream.
type ProxyHandler interface {
	Handle(c *echo.Context) error
}

// Server is the HTTP server hosting the control API, the MCP endpoint, and
// the proxy catch-all.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg         *config.Config
	engine      *insights.Engine
	store       *store.TraceStore
	resolver    *sessionid.Resolver
	pricing     *pricing.Service
	broadcaster *events.Broadcaster

	proxy      ProxyHandler
	mcpHandler http.Handler
}

// NewServer creates the server and registers all routes.
func NewServer(
	cfg *config.Config,
	engine *insights.Engine,
	traceStore *store.TraceStore,
	resolver *sessionid.Resolver,
	pricingService *pricing.Service,
	broadcaster *events.Broadcaster,
	proxy ProxyHandler,
	mcpHandler http.Handler,
) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		cfg:         cfg,
		engine:      engine,
		store:       traceStore,
		resolver:    resolver,
		pricing:     pricingService,
		broadcaster: broadcaster,
		proxy:       proxy,
		mcpHandler:  mcpHandler,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers API routes first so the proxy wildcard never
// shadows them.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api", middleware.BodyLimit(apiBodyLimit))

	api.GET("/dashboard", s.dashboardHandler)
	api.GET("/stats", s.statsHandler)
	api.GET("/workflows", s.workflowsHandler)
	api.GET("/agents", s.agentsHandler)
	api.GET("/agent/:id", s.agentHandler)
	api.GET("/config", s.configHandler)
	api.GET("/models", s.modelsHandler)

	api.GET("/sessions/list", s.listSessionsHandler)
	api.GET("/sessions/analysis", s.listAnalysisSessionsHandler)
	api.POST("/sessions/analysis", s.createAnalysisSessionHandler)
	api.POST("/sessions/analysis/:id/complete", s.completeAnalysisSessionHandler)
	api.GET("/session/:id", s.sessionHandler)
	api.GET("/session/:id/analysis", s.sessionAnalysisHandler)
	api.GET("/session/:id/findings", s.sessionFindingsHandler)

	api.POST("/findings", s.storeFindingHandler)
	api.PATCH("/finding/:id", s.updateFindingHandler)
	api.GET("/workflow/:id/findings", s.workflowFindingsHandler)

	api.GET("/replay/config", s.replayConfigHandler)
	api.POST("/replay", s.replayHandler)

	api.GET("/ws", s.wsHandler)

	if s.mcpHandler != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.mcpHandler))
	}

	// Everything else is LLM traffic for the upstream provider.
	if s.proxy != nil {
		s.echo.Any("/*", s.proxy.Handle)
	}
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the server on a pre-created listener. Used by
// tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	if err := store.Health(s.store.DB()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": version.Full(),
	})
}
