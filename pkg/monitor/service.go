// Package monitor runs the periodic session-completion scan: inactive
// sessions are marked completed, their behavioral signatures freeze, and
// the analysis runner is notified.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/analysis"
	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// Trigger receives the agents whose sessions completed this tick.
// Implemented by the analysis runner.
type Trigger interface {
	Trigger(systemPromptID string)
}

// Service is the background completion worker.
type Service struct {
	cfg     *config.MonitorConfig
	store   *store.TraceStore
	trigger Trigger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a monitor service.
func NewService(cfg *config.MonitorConfig, traceStore *store.TraceStore, trigger Trigger) *Service {
	return &Service{
		cfg:     cfg,
		store:   traceStore,
		trigger: trigger,
	}
}

// Start launches the background completion loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Session monitor started",
		"completion_timeout", s.cfg.CompletionTimeout(),
		"check_interval", s.cfg.CheckInterval())
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Session monitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one completion scan. Exported so tests and manual triggers
// can drive the monitor without the ticker.
func (s *Service) Tick() {
	affected, err := s.store.CheckAndCompleteSessions(s.cfg.CompletionTimeout())
	if err != nil {
		slog.Error("Completion scan failed", "error", err)
		return
	}
	for _, systemPromptID := range affected {
		s.freezeCompletedSessions(systemPromptID)
		if s.trigger != nil {
			s.trigger.Trigger(systemPromptID)
		}
	}
}

// freezeCompletedSessions computes and stores the (features, signature)
// pair for every completed session of the agent that lacks one. Completion
// happens-before any analysis that observes the session.
func (s *Service) freezeCompletedSessions(systemPromptID string) {
	agent, err := s.store.GetAgent(systemPromptID)
	if err != nil {
		slog.Error("Failed to load agent for signature freeze",
			"system_prompt_id", systemPromptID, "error", err)
		return
	}
	sessions, err := s.store.GetAgentSessions(systemPromptID)
	if err != nil {
		slog.Error("Failed to load sessions for signature freeze",
			"system_prompt_id", systemPromptID, "error", err)
		return
	}

	for _, session := range sessions {
		if !session.IsCompleted || session.BehavioralSignature != nil {
			continue
		}
		features := analysis.ExtractFeatures(session)
		signature := analysis.MinHashSignature(analysis.Shingles(features, agent.CachedPercentiles))
		if err := s.store.FreezeSessionArtifacts(session.SessionID, signature, features); err != nil {
			slog.Error("Failed to freeze session artifacts",
				"session_id", session.SessionID, "error", err)
		}
	}
}
