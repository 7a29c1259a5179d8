// Package metrics provides Prometheus metrics for devpilot: task lifecycle
// counters, agent latency, artifact detection, streaming sessions and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted tracks accepted task submissions by type.
var TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "tasks_submitted_total",
	Help:      "Total accepted task submissions.",
}, []string{"type"})

// TasksCompleted tracks completed tasks by type.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"type"})

// TasksFailed tracks failed tasks by type and reason.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"type", "reason"})

// TasksCancelled tracks user-cancelled tasks by type.
var TasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "tasks_cancelled_total",
	Help:      "Total cancelled tasks.",
}, []string{"type"})

// TasksActive tracks work currently tracked as running by the runner.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "devpilot",
	Name:      "tasks_active",
	Help:      "Number of tasks with in-flight background work.",
})

// ─── Agent ──────────────────────────────────────────────────────────────────

// AgentInvocation tracks agent call duration in seconds.
var AgentInvocation = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "devpilot",
	Name:      "agent_invocation_seconds",
	Help:      "Agent invocation duration in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"type"})

// ArtifactsDetected tracks PR URLs and branches extracted from agent output.
var ArtifactsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "artifacts_detected_total",
	Help:      "Artifacts detected in agent output by kind (pr_url, branch).",
}, []string{"kind"})

// ─── Delivery ───────────────────────────────────────────────────────────────

// StreamSessions tracks open server-sent-event sessions.
var StreamSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "devpilot",
	Name:      "stream_sessions_active",
	Help:      "Open streaming sessions by kind (task, activity).",
}, []string{"kind"})

// ─── Knowledge ──────────────────────────────────────────────────────────────

// KnowledgeSearchErrors counts searches that degraded to no grounding.
var KnowledgeSearchErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "knowledge_search_errors_total",
	Help:      "Knowledge-base searches that failed and were skipped.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "devpilot",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devpilot",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})
