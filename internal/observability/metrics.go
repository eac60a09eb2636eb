// Package observability carries the Prometheus metrics and OpenTelemetry
// tracer used by the agent loop.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "cafezin/agent"

// Tracer returns the process tracer for agent spans. Wiring an exporter is
// the host's concern; without one these spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Metrics holds the agent-loop counters.
type Metrics struct {
	Rounds        prometheus.Counter
	ToolCalls     *prometheus.CounterVec // label: outcome (ok|error)
	Compressions  prometheus.Counter
	Exhaustions   prometheus.Counter
	StreamRetries prometheus.Counter
}

// NewMetrics registers the counters with reg. Pass nil to keep the metrics
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Rounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "cafezin_agent_rounds_total",
			Help: "Completed agent loop rounds.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cafezin_agent_tool_calls_total",
			Help: "Tool executions by outcome.",
		}, []string{"outcome"}),
		Compressions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cafezin_agent_compressions_total",
			Help: "Context window compressions.",
		}),
		Exhaustions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cafezin_agent_round_exhaustions_total",
			Help: "Sessions that hit the round ceiling.",
		}),
		StreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "cafezin_agent_stream_retries_total",
			Help: "Completion request retries after transient failures.",
		}),
	}
}
