// Package models contains data structures used by the history repository layer.
package models

import "time"

type TaskStats struct {
	Priority      string  `json:"priority"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
	AvgProgress   float64 `json:"avg_progress"`
}

type RecentTask struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	ProblemID   string     `json:"problem_id"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty"`
}

type SubtaskRecord struct {
	SubtaskID   string     `json:"subtask_id"`
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	AgentID     string     `json:"agent_id,omitempty"`
	EstimatedMs int        `json:"estimated_ms"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type AgentStats struct {
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	TasksCompleted int       `json:"tasks_completed"`
	SuccessRate    float64   `json:"success_rate"`
	QualityScore   float64   `json:"quality_score"`
	AvgDurationMs  int       `json:"avg_duration_ms"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Recovery is the persisted outcome of one agent-failure recovery.
type Recovery struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	FailedAgent          string    `json:"failed_agent"`
	ReplacementAgent     string    `json:"replacement_agent,omitempty"`
	AffectedSubtasks     []string  `json:"affected_subtasks"`
	RequiresRescheduling bool      `json:"requires_rescheduling"`
	EstimatedDelayMs     int       `json:"estimated_delay_ms"`
	Alternatives         []string  `json:"alternatives,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}
