// Package metrics exposes the hub's Prometheus instrumentation: execution
// and retry counters for the workflow engine, approval outcomes, broadcast
// fan-out, and pending-prompt gauge. Each server instance builds its own
// Metrics against its own registry so tests stay independent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the hub registers.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	StateAttempts       *prometheus.CounterVec
	ApprovalsResolved   *prometheus.CounterVec
	MessagesBroadcast   *prometheus.CounterVec
	SinkFailures        *prometheus.CounterVec
	PendingPrompts      prometheus.Gauge
	OutputChunks        prometheus.Counter
}

// New creates and registers the hub's collectors against registry. Both
// binaries and the tests pass a fresh prometheus.NewRegistry(), so each
// instance's collectors stay independent.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_executions_started_total",
			Help: "Workflow executions started, by workflow name.",
		}, []string{"workflow"}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_executions_completed_total",
			Help: "Workflow executions reaching a terminal status, by workflow name and status.",
		}, []string{"workflow", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsloop_execution_duration_seconds",
			Help:    "Wall-clock duration of terminal workflow executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"workflow"}),
		StateAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_state_attempts_total",
			Help: "State command attempts, by workflow name and outcome.",
		}, []string{"workflow", "outcome"}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_approvals_resolved_total",
			Help: "Approval requests resolved, by terminal status.",
		}, []string{"status"}),
		MessagesBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_messages_broadcast_total",
			Help: "Messages broadcast to channel subscribers and sinks, by channel.",
		}, []string{"channel"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsloop_sink_failures_total",
			Help: "Notification sink delivery failures, by sink name.",
		}, []string{"sink"}),
		PendingPrompts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsloop_pending_prompts",
			Help: "Prompts currently suspended awaiting a human reply.",
		}),
		OutputChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsloop_output_chunks_total",
			Help: "Output chunks ingested across all executions.",
		}),
	}

	registry.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsCompleted,
		m.ExecutionDuration,
		m.StateAttempts,
		m.ApprovalsResolved,
		m.MessagesBroadcast,
		m.SinkFailures,
		m.PendingPrompts,
		m.OutputChunks,
	)
	return m
}

// Registry returns the registry the collectors are registered against, for
// mounting a promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
