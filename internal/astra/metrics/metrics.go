// Package metrics holds the orchestrator's own Prometheus instrumentation,
// separate from the ambient chat-gateway metrics kept in
// internal/observability — these track sandbox lifecycle, graph execution,
// and event-bus health rather than chat channel throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every gauge/counter/histogram the orchestrator exports
// at /metrics. A single instance is constructed at startup and threaded
// through the Sandbox Manager, Driver, Dispatcher, and Event Bus.
type Metrics struct {
	// SessionsActive tracks live sessions by status (ready|provisioning|
	// paused|terminated|failed).
	SessionsActive *prometheus.GaugeVec

	// SessionsTotal counts sessions created, by backend (docker|cluster).
	SessionsTotal *prometheus.CounterVec

	// ProvisionDuration measures time from Provision call to ready/failed.
	// Labels: backend, outcome (success|error)
	ProvisionDuration *prometheus.HistogramVec

	// ToolCallDuration measures tool execution latency.
	// Labels: tool_name, status (success|error)
	ToolCallDuration *prometheus.HistogramVec

	// ToolCallTotal counts tool invocations.
	// Labels: tool_name, status
	ToolCallTotal *prometheus.CounterVec

	// GraphNodeDuration measures time spent in each graph node.
	// Labels: node
	GraphNodeDuration *prometheus.HistogramVec

	// GraphRunsTotal counts completed conversation runs by terminal status.
	// Labels: status (completed|failed|cancelled)
	GraphRunsTotal *prometheus.CounterVec

	// EventBacklogSize tracks the current backlog length per session
	// stream, sampled at publish time.
	EventBacklogSize prometheus.Histogram

	// EventSubscribersDropped counts subscribers that were disconnected
	// for falling behind the high-priority delivery deadline.
	EventSubscribersDropped prometheus.Counter

	// SnapshotDuration measures snapshot create/restore latency.
	// Labels: operation (create|restore), outcome
	SnapshotDuration *prometheus.HistogramVec

	// ReaperTerminations counts sessions the reaper terminated, by reason.
	ReaperTerminations *prometheus.CounterVec

	// QuotaRejections counts requests rejected for exceeding a workspace
	// quota, by resource (cpu_seconds|storage_bytes|concurrent_sessions).
	QuotaRejections *prometheus.CounterVec
}

// New creates and registers every metric with the default Prometheus
// registry via promauto.
func New() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "astra_sessions_active",
			Help: "Number of sandbox sessions currently in each status.",
		}, []string{"status"}),

		SessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "astra_sessions_total",
			Help: "Total sandbox sessions created, by backend.",
		}, []string{"backend"}),

		ProvisionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astra_provision_duration_seconds",
			Help:    "Time spent provisioning a sandbox.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"backend", "outcome"}),

		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astra_tool_call_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool_name", "status"}),

		ToolCallTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "astra_tool_calls_total",
			Help: "Total tool invocations.",
		}, []string{"tool_name", "status"}),

		GraphNodeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astra_graph_node_duration_seconds",
			Help:    "Time spent executing a single graph node.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"node"}),

		GraphRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "astra_graph_runs_total",
			Help: "Completed conversation runs, by terminal status.",
		}, []string{"status"}),

		EventBacklogSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "astra_event_backlog_size",
			Help:    "Backlog length of a session's event stream at publish time.",
			Buckets: []float64{1, 4, 16, 64, 128, 256, 512},
		}),

		EventSubscribersDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "astra_event_subscribers_dropped_total",
			Help: "Subscribers disconnected for falling behind event delivery.",
		}),

		SnapshotDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astra_snapshot_duration_seconds",
			Help:    "Snapshot create/restore latency.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 180},
		}, []string{"operation", "outcome"}),

		ReaperTerminations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "astra_reaper_terminations_total",
			Help: "Sessions terminated by the reaper, by reason.",
		}, []string{"reason"}),

		QuotaRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "astra_quota_rejections_total",
			Help: "Requests rejected for exceeding a workspace quota.",
		}, []string{"resource"}),
	}
}
