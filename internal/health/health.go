// Package health derives per-session performance metrics, raises alerts on
// threshold breaches and rolls component health up into an overall verdict.
package health

import (
	"time"
)

type (
	State     string
	Level     string
	Overall   string
	AlertType string
)

const (
	StateUninitialized State = "uninitialized"
	StateMonitoring    State = "monitoring"
	StateStopped       State = "stopped"
)

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

const (
	OverallHealthy  Overall = "healthy"
	OverallDegraded Overall = "degraded"
	OverallCritical Overall = "critical"
)

const (
	AlertHighErrorRate    AlertType = "high_error_rate"
	AlertHighLatency      AlertType = "high_latency"
	AlertLowEfficiency    AlertType = "low_efficiency"
	AlertResourcePressure AlertType = "resource_pressure"
	AlertLowPerformance   AlertType = "low_agent_performance"
)

const (
	ComponentTaskExecution = "task_execution"
	ComponentResources     = "resources"
	ComponentCommunication = "communication"
	ComponentEfficiency    = "efficiency"
)

// Metrics are percentages unless noted. Throughput is completions per
// minute since monitoring began.
type Metrics struct {
	Efficiency           float64       `json:"efficiency"`
	Throughput           float64       `json:"throughput"`
	ResourceUtilization  float64       `json:"resource_utilization"`
	CommunicationLatency time.Duration `json:"communication_latency"`
	ErrorRate            float64       `json:"error_rate"`
	ScalabilityIndex     float64       `json:"scalability_index"`
	TasksCompleted       int           `json:"tasks_completed"`
	TasksFailed          int           `json:"tasks_failed"`
}

func neutralMetrics() Metrics {
	return Metrics{Efficiency: 100, ScalabilityIndex: 100}
}

type Component struct {
	Name    string  `json:"name"`
	Level   Level   `json:"level"`
	Value   float64 `json:"value"`
	Message string  `json:"message,omitempty"`
}

type Snapshot struct {
	SessionID       string      `json:"session_id"`
	State           State       `json:"state"`
	Metrics         Metrics     `json:"metrics"`
	Components      []Component `json:"components"`
	Overall         Overall     `json:"overall"`
	Recommendations []string    `json:"recommendations"`
	StartedAt       time.Time   `json:"started_at"`
	TakenAt         time.Time   `json:"taken_at"`
}

type Alert struct {
	Type      AlertType `json:"type"`
	SessionID string    `json:"session_id"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Severity  Level     `json:"severity"`
	At        time.Time `json:"at"`
}

// TaskSample is one finished subtask as seen by the monitor. Estimated is
// the planned duration; efficiency compares it to the actual one.
type TaskSample struct {
	Success   bool
	Duration  time.Duration
	Estimated time.Duration
}

// Rollup folds component levels into the overall verdict: any critical
// component is critical, two or more warnings are degraded.
func Rollup(components []Component) Overall {
	warnings := 0
	for _, c := range components {
		switch c.Level {
		case LevelCritical:
			return OverallCritical
		case LevelWarning:
			warnings++
		}
	}
	if warnings >= 2 {
		return OverallDegraded
	}
	return OverallHealthy
}

var recommendations = map[string]string{
	ComponentTaskExecution: "Investigate failing subtasks and replace agents with low success rates",
	ComponentResources:     "Scale up the swarm or move load off saturated agents",
	ComponentCommunication: "Reduce cross-agent traffic or switch busy links to async delivery",
	ComponentEfficiency:    "Rebalance assignments toward higher-quality agents",
}

// Recommendations returns one hint per unhealthy component, in component
// order.
func Recommendations(components []Component) []string {
	out := make([]string, 0)
	for _, c := range components {
		if c.Level == LevelHealthy {
			continue
		}
		if r, ok := recommendations[c.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}
