// Package metrics exposes Prometheus collectors for the proxy pipeline.
// All collectors are registered on the default registry and served by the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated counts sessions minted by the resolver.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_resolver_sessions_created_total",
		Help: "Sessions minted by the session-identity resolver.",
	})

	// SessionsExpired counts resolver cache entries evicted by TTL or capacity.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_resolver_sessions_expired_total",
		Help: "Resolver cache entries evicted by TTL or LRU capacity.",
	})

	// CacheHits counts continuation lookups that matched an existing session.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_resolver_cache_hits_total",
		Help: "Continuation lookups resolved to an existing session.",
	})

	// CacheMisses counts lookups that minted a new session.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_resolver_cache_misses_total",
		Help: "Lookups that did not match an existing session.",
	})

	// ProxiedRequests counts requests forwarded to the upstream provider.
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_proxied_requests_total",
		Help: "Requests forwarded upstream, labeled by vendor and status class.",
	}, []string{"vendor", "status"})

	// UpstreamErrors counts non-2xx upstream responses.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_upstream_errors_total",
		Help: "Non-2xx responses from the upstream provider, labeled by vendor.",
	}, []string{"vendor"})

	// EventsIngested counts events applied to the trace store.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_events_ingested_total",
		Help: "Events applied to the trace store, labeled by event name.",
	}, []string{"name"})

	// AnalysisRuns counts analysis runner executions.
	AnalysisRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_analysis_runs_total",
		Help: "Behavioral/security analysis runs dispatched.",
	})
)
