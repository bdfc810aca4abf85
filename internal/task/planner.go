package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

type PlannerConfig struct {
	BaseDurations         map[SubtaskType]time.Duration
	ComplexityMultipliers map[Complexity]float64
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		BaseDurations: map[SubtaskType]time.Duration{
			TypeResearch:       5 * time.Minute,
			TypeImplementation: 15 * time.Minute,
			TypeTesting:        10 * time.Minute,
			TypeReview:         5 * time.Minute,
		},
		ComplexityMultipliers: map[Complexity]float64{
			ComplexityLow:    1,
			ComplexityMedium: 1.5,
			ComplexityHigh:   2,
		},
	}
}

// Planner turns a problem into a dependency-ordered Task.
type Planner struct {
	cfg PlannerConfig
	now func() time.Time
}

func NewPlanner(cfg PlannerConfig) *Planner {
	defaults := DefaultPlannerConfig()
	if cfg.BaseDurations == nil {
		cfg.BaseDurations = defaults.BaseDurations
	}
	if cfg.ComplexityMultipliers == nil {
		cfg.ComplexityMultipliers = defaults.ComplexityMultipliers
	}
	return &Planner{cfg: cfg, now: time.Now}
}

// Decompose emits one research subtask, one implementation subtask per file
// (or a single one when the problem names no files), one testing subtask
// gated on every implementation, and one review subtask gated on testing.
// Each phase depends only on earlier phases, so the graph is acyclic by
// construction; it is still validated before the Task is returned.
func (p *Planner) Decompose(problem Problem, complexity Complexity) (*Task, error) {
	if problem.ID == "" {
		return nil, domain.InvalidArgument("problem id is required")
	}
	// Priority only reflects what the caller declared; the derived
	// complexity is for estimates.
	priority := PriorityFor(problem.Difficulty, complexity)
	if complexity == "" {
		complexity = ComplexityFromDifficulty(problem.Difficulty)
	}
	if !complexity.Valid() {
		return nil, domain.InvalidArgument("unknown complexity %q", complexity)
	}

	research := NewSubtask(TypeResearch,
		fmt.Sprintf("Analyze problem %s and locate the root cause", problem.ID),
		p.estimate(TypeResearch, complexity))

	subtasks := []*Subtask{research}

	files := problem.Files
	if len(files) == 0 {
		files = []string{""}
	}
	implIDs := make([]string, 0, len(files))
	for _, file := range files {
		desc := fmt.Sprintf("Implement fix for problem %s", problem.ID)
		if file != "" {
			desc = fmt.Sprintf("Implement fix in %s", file)
		}
		impl := NewSubtask(TypeImplementation, desc, p.estimate(TypeImplementation, complexity), research.ID)
		impl.File = file
		subtasks = append(subtasks, impl)
		implIDs = append(implIDs, impl.ID)
	}

	tests := NewSubtask(TypeTesting,
		fmt.Sprintf("Run tests for problem %s", problem.ID),
		p.estimate(TypeTesting, complexity), implIDs...)
	review := NewSubtask(TypeReview,
		fmt.Sprintf("Review changes for problem %s", problem.ID),
		p.estimate(TypeReview, complexity), tests.ID)
	subtasks = append(subtasks, tests, review)

	graph := BuildGraph(subtasks)
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	length, path := CriticalPath(subtasks)
	now := p.now()
	t := &Task{
		ID:                  uuid.New().String(),
		Problem:             problem,
		Complexity:          complexity,
		Subtasks:            subtasks,
		Graph:               graph,
		Priority:            priority,
		CriticalPath:        path,
		CriticalPathLength:  length,
		EstimatedCompletion: now.Add(length),
		CreatedAt:           now,
	}
	t.Recompute(now)
	return t, nil
}

func (p *Planner) estimate(subtaskType SubtaskType, complexity Complexity) time.Duration {
	mult, ok := p.cfg.ComplexityMultipliers[complexity]
	if !ok {
		mult = 1
	}
	return time.Duration(float64(p.cfg.BaseDurations[subtaskType]) * mult)
}

// PriorityFor maps declared difficulty and complexity onto a priority class.
func PriorityFor(difficulty string, complexity Complexity) Priority {
	switch strings.ToLower(difficulty) {
	case "critical":
		return PriorityCritical
	case "hard":
		return PriorityHigh
	}
	if complexity == ComplexityHigh {
		return PriorityHigh
	}
	if strings.EqualFold(difficulty, "medium") || complexity == ComplexityMedium {
		return PriorityMedium
	}
	return PriorityLow
}

func ComplexityFromDifficulty(difficulty string) Complexity {
	switch strings.ToLower(difficulty) {
	case "easy", "low":
		return ComplexityLow
	case "hard", "high", "critical":
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}
