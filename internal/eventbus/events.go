// Package eventbus carries typed orchestration events: one struct per state
// transition, delivered in-process over a channel and optionally to NATS.
package eventbus

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeSessionStateChanged Type = "session_state_changed"
	TypeSubtaskAssigned     Type = "subtask_assigned"
	TypeSubtaskCompleted    Type = "subtask_completed"
	TypeTaskCompleted       Type = "task_completed"
	TypeTaskFailed          Type = "task_failed"
	TypeAgentFailed         Type = "agent_failed"
	TypeRecoveryPlanned     Type = "recovery_planned"
)

type Event interface {
	EventType() Type
	Session() string
}

// Publisher delivers events. Implementations must preserve the order of
// calls made by a single goroutine.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Header struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

func (h Header) Session() string { return h.SessionID }

type SessionStateChanged struct {
	Header
	From string `json:"from"`
	To   string `json:"to"`
}

func (SessionStateChanged) EventType() Type { return TypeSessionStateChanged }

type SubtaskAssigned struct {
	Header
	TaskID      string `json:"task_id"`
	SubtaskID   string `json:"subtask_id"`
	SubtaskType string `json:"subtask_type"`
	AgentID     string `json:"agent_id"`
}

func (SubtaskAssigned) EventType() Type { return TypeSubtaskAssigned }

type SubtaskCompleted struct {
	Header
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Success   bool   `json:"success"`
}

func (SubtaskCompleted) EventType() Type { return TypeSubtaskCompleted }

type TaskCompleted struct {
	Header
	TaskID string `json:"task_id"`
}

func (TaskCompleted) EventType() Type { return TypeTaskCompleted }

type TaskFailed struct {
	Header
	TaskID         string   `json:"task_id"`
	FailedSubtasks []string `json:"failed_subtasks"`
}

func (TaskFailed) EventType() Type { return TypeTaskFailed }

type AgentFailed struct {
	Header
	AgentID   string `json:"agent_id"`
	SubtaskID string `json:"subtask_id,omitempty"`
}

func (AgentFailed) EventType() Type { return TypeAgentFailed }

type RecoveryPlanned struct {
	Header
	FailedAgent      string        `json:"failed_agent"`
	ReplacementAgent string        `json:"replacement_agent,omitempty"`
	AffectedSubtasks []string      `json:"affected_subtasks"`
	EstimatedDelay   time.Duration `json:"estimated_delay"`
}

func (RecoveryPlanned) EventType() Type { return TypeRecoveryPlanned }

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
