// Perimeter is an intercepting reverse proxy for LLM APIs: it forwards
// traffic to the upstream provider unmodified while reconstructing
// conversations, persisting a trace store, and running behavioral and
// security analysis over completed sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cylestio/cylestio-perimeter/pkg/analysis"
	"github.com/cylestio/cylestio-perimeter/pkg/api"
	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/insights"
	"github.com/cylestio/cylestio-perimeter/pkg/mcp"
	"github.com/cylestio/cylestio-perimeter/pkg/monitor"
	"github.com/cylestio/cylestio-perimeter/pkg/pricing"
	"github.com/cylestio/cylestio-perimeter/pkg/providers"
	"github.com/cylestio/cylestio-perimeter/pkg/proxy"
	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
	"github.com/cylestio/cylestio-perimeter/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// openBrowser launches the platform browser at the dashboard URL.
// Best-effort: failures are logged and ignored.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Warn("Could not open browser", "url", url, "error", err)
	}
}

func main() {
	configPath := flag.String("config",
		getEnv("PERIMETER_CONFIG", "./perimeter.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("Starting perimeter", "version", version.Full())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.Open(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open trace store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	traceStore := store.New(db, cfg.Store)
	resolver := sessionid.New(cfg.Resolver.MaxSessions, cfg.Resolver.SessionTTL())
	pricingService := pricing.NewService(cfg.Pricing.URL, cfg.Pricing.CachePath)
	broadcaster := events.NewBroadcaster(10 * time.Second)
	engine := insights.NewEngine(traceStore, cfg)

	runner := analysis.NewRunner(traceStore, engine.ComputeRiskAnalysis, cfg.Analysis.MinSessionsForRiskAnalysis)

	monitorService := monitor.NewService(&cfg.Monitor, traceStore, runner)

	registry := providers.NewRegistry()
	pipeline := proxy.NewPipeline(registry, resolver, traceStore, broadcaster)
	proxyHandler := proxy.NewHandler(&cfg.Upstream, pipeline)

	mcpServer := mcp.NewServer(traceStore)
	server := api.NewServer(cfg, engine, traceStore, resolver, pricingService, broadcaster,
		proxyHandler, mcp.NewHTTPHandler(mcpServer))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitorService.Start(ctx)
	defer monitorService.Stop()

	// Recover analyses missed during downtime.
	runner.CheckPendingOnStartup()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		slog.Info("HTTP server listening", "addr", addr, "upstream", cfg.Upstream.BaseURL)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	if cfg.Server.AutoOpenBrowser {
		openBrowser("http://" + addr)
	}

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	runner.Wait()
}
