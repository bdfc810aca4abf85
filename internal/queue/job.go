package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/task"
)

// Job is one assigned subtask waiting for a worker. It carries everything
// the worker needs so it never has to read orchestrator state.
type Job struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	TaskID      string           `json:"task_id"`
	SubtaskID   string           `json:"subtask_id"`
	SubtaskType task.SubtaskType `json:"subtask_type"`
	Description string           `json:"description"`
	AgentID     string           `json:"agent_id"`
	Priority    task.Priority    `json:"priority"`
	Problem     task.Problem     `json:"problem"`
	File        string           `json:"file,omitempty"`
	PriorPatch  string           `json:"prior_patch,omitempty"`
	Timeout     time.Duration    `json:"timeout,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
}

func NewJob(sessionID string, t *task.Task, st *task.Subtask, priorPatch string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		TaskID:      t.ID,
		SubtaskID:   st.ID,
		SubtaskType: st.Type,
		Description: st.Description,
		AgentID:     st.AssignedAgent,
		Priority:    t.Priority,
		Problem:     t.Problem,
		File:        st.File,
		PriorPatch:  priorPatch,
		Timeout:     st.EstimatedDuration * 2,
		EnqueuedAt:  time.Now(),
	}
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	return string(data), err
}

func JobFromJSON(data string) (*Job, error) {
	var j Job
	err := json.Unmarshal([]byte(data), &j)
	return &j, err
}
