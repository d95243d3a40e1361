package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentflow_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentflow_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal state",
		},
		[]string{"workflow_type", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patentflow_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"workflow_type"},
	)

	// Stage metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentflow_stage_executions_total",
			Help: "Total number of stage executions by outcome",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patentflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Dispatch metrics
	DispatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentflow_dispatch_requests_total",
			Help: "Total number of agent dispatches by outcome",
		},
		[]string{"stage", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patentflow_dispatch_duration_seconds",
			Help:    "Agent dispatch round-trip duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Compression metrics
	CompressionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patentflow_compression_events_total",
			Help: "Compression policy decisions and outcomes",
		},
		[]string{"decision"},
	)

	// Isolation metrics
	IsolationViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patentflow_isolation_violations_total",
			Help: "Agent responses rejected for workflow id mismatch",
		},
	)

	// Streaming metrics
	SubscriberCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patentflow_subscribers_active",
			Help: "Number of active event subscribers",
		},
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patentflow_events_published_total",
			Help: "Total status events published to the bus",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patentflow_events_dropped_total",
			Help: "Events dropped due to slow subscribers",
		},
	)
)
