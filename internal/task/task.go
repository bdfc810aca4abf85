// Package task defines the problem/task domain model: subtasks, their
// dependency graph, the status projection and the planner that decomposes a
// problem into a dependency-ordered Task.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	SubtaskType string
	Status      string
	Priority    int
	Complexity  string
)

const (
	TypeResearch       SubtaskType = "research"
	TypeImplementation SubtaskType = "implementation"
	TypeTesting        SubtaskType = "testing"
	TypeReview         SubtaskType = "review"
)

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*p = PriorityLow
	case "medium":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		*p = PriorityLow
	}
	return nil
}

func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	default:
		return false
	}
}

// Problem is the unit of work handed in by the problem source. Files drive
// how many implementation subtasks are planned.
type Problem struct {
	ID          string            `json:"id" yaml:"id"`
	Description string            `json:"description" yaml:"description"`
	Files       []string          `json:"files" yaml:"files"`
	TestCases   []string          `json:"test_cases,omitempty" yaml:"test_cases"`
	Repository  string            `json:"repository,omitempty" yaml:"repository"`
	Branch      string            `json:"branch,omitempty" yaml:"branch"`
	Difficulty  string            `json:"difficulty,omitempty" yaml:"difficulty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Result is what the executing agent reports for a subtask. Quality, when
// set, is a 0-100 score fed into the agent's performance record.
type Result struct {
	Success bool           `json:"success"`
	Quality *float64       `json:"quality,omitempty"`
	Patch   string         `json:"patch,omitempty"`
	Logs    string         `json:"logs,omitempty"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

type Subtask struct {
	ID                string        `json:"id"`
	Type              SubtaskType   `json:"type"`
	Description       string        `json:"description"`
	Status            Status        `json:"status"`
	Dependencies      []string      `json:"dependencies"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	File              string        `json:"file,omitempty"`
	AssignedAgent     string        `json:"assigned_agent,omitempty"`
	Result            *Result       `json:"result,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// TaskStatus is the projection recomputed on every subtask transition.
type TaskStatus struct {
	Status         Status     `json:"status"`
	Progress       float64    `json:"progress"`
	AssignedAgents []string   `json:"assigned_agents"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Task is the full unit of work for one submitted problem.
type Task struct {
	ID                  string        `json:"id"`
	SessionID           string        `json:"session_id,omitempty"`
	Problem             Problem       `json:"problem"`
	Complexity          Complexity    `json:"complexity"`
	Subtasks            []*Subtask    `json:"subtasks"`
	Graph               Graph         `json:"graph"`
	Priority            Priority      `json:"priority"`
	CriticalPath        []string      `json:"critical_path"`
	CriticalPathLength  time.Duration `json:"critical_path_length"`
	EstimatedCompletion time.Time     `json:"estimated_completion"`
	CreatedAt           time.Time     `json:"created_at"`
	Status              TaskStatus    `json:"status"`
}

func NewSubtask(subtaskType SubtaskType, description string, estimate time.Duration, deps ...string) *Subtask {
	if deps == nil {
		deps = []string{}
	}
	return &Subtask{
		ID:                uuid.New().String(),
		Type:              subtaskType,
		Description:       description,
		Status:            StatusPending,
		Dependencies:      deps,
		EstimatedDuration: estimate,
	}
}

func (t *Task) Subtask(id string) *Subtask {
	for _, st := range t.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// Ready returns pending subtasks whose prerequisites have all completed, in
// plan order.
func (t *Task) Ready() []*Subtask {
	completed := make(map[string]bool, len(t.Subtasks))
	for _, st := range t.Subtasks {
		if st.Status == StatusCompleted {
			completed[st.ID] = true
		}
	}

	var ready []*Subtask
	for _, st := range t.Subtasks {
		if st.Status != StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range st.Dependencies {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, st)
		}
	}
	return ready
}

// Dependents returns every subtask that transitively depends on id.
func (t *Task) Dependents(id string) []string {
	children := make(map[string][]string)
	for _, st := range t.Subtasks {
		for _, dep := range st.Dependencies {
			children[dep] = append(children[dep], st.ID)
		}
	}

	seen := make(map[string]bool)
	var out []string
	queue := append([]string(nil), children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, children[next]...)
	}
	return out
}

func (t *Task) OnCriticalPath(id string) bool {
	for _, cp := range t.CriticalPath {
		if cp == id {
			return true
		}
	}
	return false
}

func (t *Task) Done() bool {
	return t.Status.Status == StatusCompleted || t.Status.Status == StatusFailed
}

// Clone returns a deep copy safe to hand to callers outside the owning
// session.
func (t *Task) Clone() *Task {
	c := *t
	c.Problem.Files = append([]string(nil), t.Problem.Files...)
	c.Problem.TestCases = append([]string(nil), t.Problem.TestCases...)
	if t.Problem.Metadata != nil {
		c.Problem.Metadata = make(map[string]string, len(t.Problem.Metadata))
		for k, v := range t.Problem.Metadata {
			c.Problem.Metadata[k] = v
		}
	}
	c.Graph = Graph{
		Nodes: append([]string(nil), t.Graph.Nodes...),
		Edges: append([]Edge(nil), t.Graph.Edges...),
	}
	c.CriticalPath = append([]string(nil), t.CriticalPath...)
	c.Status.AssignedAgents = append([]string(nil), t.Status.AssignedAgents...)

	c.Subtasks = make([]*Subtask, len(t.Subtasks))
	for i, st := range t.Subtasks {
		cp := *st
		cp.Dependencies = append([]string(nil), st.Dependencies...)
		if st.Result != nil {
			r := *st.Result
			cp.Result = &r
		}
		c.Subtasks[i] = &cp
	}
	return &c
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
