package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run and tool counters, registered on the default registry. The scheduler
// and run loop increment these; exposition is up to the embedding process.
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "runs_total",
		Help:      "Agent runs by terminal status.",
	}, []string{"agent", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentd",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of agent runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"agent"})

	ToolDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "tool_dispatches_total",
		Help:      "Tool dispatches by tool name and outcome.",
	}, []string{"tool", "outcome"})

	MemoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "memory_ops_total",
		Help:      "Vector memory store operations.",
	}, []string{"op"})
)
