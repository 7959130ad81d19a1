package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusDenied = "denied"

	OutcomeDirect   = "direct"
	OutcomeTool     = "tool"
	OutcomeFallback = "fallback"
)

type Metrics struct {
	// Session-related metrics.
	SessionInitCount *prometheus.CounterVec

	// Tool invocation metrics (client side).
	ToolCallCount    *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Tool dispatch metrics (server side).
	ToolDispatchCount *prometheus.CounterVec

	// Agent loop metrics.
	AgentTurnCount    *prometheus.CounterVec
	AgentTurnDuration prometheus.Histogram

	// Search upstream metrics.
	SearchUpstreamCount *prometheus.CounterVec

	// Circuit breaker metrics.
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec
}

// New creates AND registers metrics. It will panic if a collector has already been registered.
// Note: we are not specifying namespace in the metrics; the provided registerer may specify a
// "namespace" using [prometheus.WrapRegistererWithPrefix].
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		// Cardinality: 2 statuses = 2.
		SessionInitCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "sessions",
			Name:      "initializations_total",
			Help:      "The count of MCP session initialization handshakes.",
		}, []string{"status"}),

		// Cardinality: 4 tools, 2 statuses = up to 8.
		// NOTE: tool is not unbounded because the registry is a static list.
		ToolCallCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "tool_calls",
			Name:      "total",
			Help:      "The count of MCP tool invocations issued by this backend.",
		}, []string{"tool", "status"}),
		// Cardinality: 4 tools, 7 buckets + 3 extra series (count, sum, +Inf) = up to 40.
		ToolCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "tool_calls",
			Name:      "duration_seconds",
			Help: "The total duration of MCP tool invocations, in seconds. " +
				"Most of this time is spent in the tool server and its upstreams.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30},
		}, []string{"tool"}),

		// Cardinality: 4 tools, 3 statuses = up to 12.
		ToolDispatchCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "tool_dispatch",
			Name:      "total",
			Help:      "The count of tool executions dispatched by the MCP server.",
		}, []string{"tool", "status"}),

		// Cardinality: 3 outcomes = 3.
		AgentTurnCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "agent_turns",
			Name:      "total",
			Help:      "The count of agent turns by outcome: direct answer, tool roundtrip, or fallback.",
		}, []string{"outcome"}),
		// Cardinality: 8 buckets + 2 extra series = 10.
		AgentTurnDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Subsystem: "agent_turns",
			Name:      "duration_seconds",
			Help:      "Wall time of a full agent turn, including model calls and tool roundtrips.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),

		// Cardinality: 2 sources, 2 statuses = 4.
		SearchUpstreamCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "search_upstream",
			Name:      "total",
			Help:      "The count of Custom Search API calls by source.",
		}, []string{"source", "status"}),

		// Cardinality: 1 upstream = 1.
		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state per upstream: closed=0, half-open=0.5, open=1.",
		}, []string{"upstream"}),
		BreakerTrips: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "The count of circuit breaker open transitions per upstream.",
		}, []string{"upstream"}),
	}
}
