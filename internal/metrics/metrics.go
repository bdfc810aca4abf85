// Package metrics provides Prometheus metrics for monitoring the swarm.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_tasks_submitted_total",
			Help: "Total number of problems decomposed into tasks",
		},
		[]string{"priority"},
	)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)
	SubtasksAssigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_subtasks_assigned_total",
			Help: "Total number of subtask assignments",
		},
		[]string{"type"},
	)
	SubtasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_subtasks_completed_total",
			Help: "Total number of subtasks completed successfully",
		},
		[]string{"type"},
	)
	SubtasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_subtasks_failed_total",
			Help: "Total number of subtasks that failed",
		},
		[]string{"type"},
	)
	SubtaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarm_subtask_duration_seconds",
			Help:    "Subtask execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"type", "status"},
	)
	AgentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swarm_agent_failures_total",
			Help: "Total number of agent failures handled",
		},
	)
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_recoveries_total",
			Help: "Total number of recovery plans by outcome",
		},
		[]string{"outcome"},
	)
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarm_agents",
			Help: "Current number of agents by status",
		},
		[]string{"status"},
	)
	SessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarm_sessions",
			Help: "Current number of sessions by state",
		},
		[]string{"state"},
	)
	SessionHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarm_session_health",
			Help: "Derived health metrics per session",
		},
		[]string{"session", "metric"},
	)
	HealthAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_health_alerts_total",
			Help: "Total number of performance alerts raised",
		},
		[]string{"type", "severity"},
	)
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_dispatch_queue_depth",
			Help: "Current depth of the subtask dispatch queue",
		},
	)
	SolverInstancesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_solver_instances_in_use",
			Help: "Number of solver instances currently held",
		},
	)
	SolverWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarm_solver_wait_seconds",
			Help:    "Time spent waiting for a solver instance",
			Buckets: []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted(priority string) {
	TasksSubmitted.WithLabelValues(priority).Inc()
}

func RecordTaskFinished(status string) {
	TasksFinished.WithLabelValues(status).Inc()
}

func RecordSubtaskAssigned(subtaskType string) {
	SubtasksAssigned.WithLabelValues(subtaskType).Inc()
}

func RecordSubtaskCompleted(subtaskType string, duration time.Duration) {
	SubtasksCompleted.WithLabelValues(subtaskType).Inc()
	SubtaskDuration.WithLabelValues(subtaskType, "completed").Observe(duration.Seconds())
}

func RecordSubtaskFailed(subtaskType string, duration time.Duration) {
	SubtasksFailed.WithLabelValues(subtaskType).Inc()
	SubtaskDuration.WithLabelValues(subtaskType, "failed").Observe(duration.Seconds())
}

func RecordAgentFailure(replaced bool) {
	AgentFailures.Inc()
	outcome := "unreplaced"
	if replaced {
		outcome = "replaced"
	}
	Recoveries.WithLabelValues(outcome).Inc()
}

func RecordHealthAlert(alertType, severity string) {
	HealthAlerts.WithLabelValues(alertType, severity).Inc()
}

func UpdateAgentGauges(byStatus map[string]int) {
	AgentsByStatus.Reset()
	for status, count := range byStatus {
		AgentsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func UpdateSessionGauges(byState map[string]int) {
	SessionsByState.Reset()
	for state, count := range byState {
		SessionsByState.WithLabelValues(state).Set(float64(count))
	}
}

func UpdateSessionHealth(session string, values map[string]float64) {
	for metric, v := range values {
		SessionHealth.WithLabelValues(session, metric).Set(v)
	}
}

func DeleteSessionHealth(session string) {
	SessionHealth.DeletePartialMatch(prometheus.Labels{"session": session})
}

func UpdateDispatchQueueDepth(depth int) {
	DispatchQueueDepth.Set(float64(depth))
}

func RecordSolverAcquired(wait time.Duration) {
	SolverInstancesInUse.Inc()
	SolverWaitTime.Observe(wait.Seconds())
}

func RecordSolverReleased() {
	SolverInstancesInUse.Dec()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
