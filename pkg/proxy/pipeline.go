// Package proxy forwards LLM traffic to the upstream provider unmodified
// while running the observation pipeline on every request and response.
// Observation must never break production traffic: every hook is wrapped in
// a log-and-continue policy.
package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cylestio/cylestio-perimeter/pkg/events"
	"github.com/cylestio/cylestio-perimeter/pkg/providers"
	"github.com/cylestio/cylestio-perimeter/pkg/sessionid"
	"github.com/cylestio/cylestio-perimeter/pkg/store"
)

// RequestContext carries the attribution of one proxied request between the
// request and response hooks.
type RequestContext struct {
	Adapter   providers.Adapter
	Inputs    *providers.SessionInputs
	SessionID string
	IsNew     bool
	Start     time.Time
}

// Attributed reports whether the request was parsed and tied to a session.
func (c *RequestContext) Attributed() bool {
	return c != nil && c.Adapter != nil && c.SessionID != ""
}

// Pipeline runs session resolution and event emission around proxied calls.
type Pipeline struct {
	registry    *providers.Registry
	resolver    *sessionid.Resolver
	store       *store.TraceStore
	broadcaster *events.Broadcaster
}

// NewPipeline creates the observation pipeline.
func NewPipeline(registry *providers.Registry, resolver *sessionid.Resolver, traceStore *store.TraceStore, broadcaster *events.Broadcaster) *Pipeline {
	return &Pipeline{
		registry:    registry,
		resolver:    resolver,
		store:       traceStore,
		broadcaster: broadcaster,
	}
}

// OnRequest parses the request, resolves the session, and emits the request
// events. A malformed body forwards without attribution; the only trace is
// one parse-kind llm.call.error event when the vendor matched.
func (p *Pipeline) OnRequest(r *http.Request, body []byte) *RequestContext {
	ctx := &RequestContext{Start: time.Now()}

	adapter := p.registry.ForRequest(r)
	if adapter == nil {
		return ctx
	}
	ctx.Adapter = adapter

	inputs, err := adapter.ParseRequest(body)
	if err != nil {
		slog.Warn("Provider parse failed, forwarding without session attribution",
			"vendor", adapter.Name(), "path", r.URL.Path, "error", err)
		p.emit(events.NewLLMCallError("", "", "", adapter.Name(), "parse", err.Error(), 0))
		return ctx
	}
	ctx.Inputs = inputs

	if inputs.SessionID != "" {
		// The adapter resolved the session itself (Responses API chain).
		ctx.SessionID = inputs.SessionID
		ctx.IsNew = false
	} else {
		ctx.SessionID, ctx.IsNew = p.resolver.Resolve(inputs.Messages, inputs.SystemPrompt, map[string]any{
			"provider": adapter.Name(),
			"model":    inputs.Model,
		})
		if rec, ok := p.resolver.Lookup(ctx.SessionID); ok {
			if err := p.store.SaveSignatureIndex(ctx.SessionID, rec.Signature); err != nil {
				slog.Warn("Failed to persist signature index", "error", err)
			}
		}
	}

	for _, event := range providers.EventsForRequest(adapter, inputs, ctx.SessionID, ctx.IsNew) {
		p.emit(event)
	}
	return ctx
}

// OnResponse parses the response and emits the response events. For
// streaming responses body is nil and only the finish event with duration
// is emitted.
func (p *Pipeline) OnResponse(ctx *RequestContext, statusCode int, body []byte) {
	if !ctx.Attributed() || ctx.Inputs == nil {
		return
	}
	durationMS := float64(time.Since(ctx.Start).Microseconds()) / 1000

	var facts *providers.ResponseFacts
	if len(body) > 0 && statusCode >= 200 && statusCode < 300 {
		parsed, err := ctx.Adapter.ParseResponse(body)
		if err != nil {
			slog.Warn("Provider response parse failed",
				"vendor", ctx.Adapter.Name(), "error", err)
		} else {
			facts = parsed
		}
	}

	for _, event := range providers.EventsForResponse(ctx.Adapter, ctx.Inputs, facts, ctx.SessionID, durationMS, statusCode) {
		p.emit(event)
	}
	ctx.Adapter.NotifyResponse(ctx.SessionID, facts)
}

// emit applies one event to the store and broadcasts it. Store failures are
// logged, never propagated into the request path.
func (p *Pipeline) emit(event *events.Event) {
	if event.SessionID != "" || event.Name == events.LLMCallError {
		if err := p.store.AddEvent(event, "", ""); err != nil {
			slog.Error("Failed to store event", "event", event.Name, "error", err)
		}
	}
	if p.broadcaster != nil {
		p.broadcaster.Publish(event)
	}
}
