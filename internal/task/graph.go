package task

import (
	"errors"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

var (
	// ErrCycleDetected indicates a circular dependency between subtasks.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownDependency indicates an edge that references a subtask outside the task.
	ErrUnknownDependency = errors.New("unknown dependency")

	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
)

// Edge points from a prerequisite subtask to the subtask that depends on it.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the serializable dependency graph of a Task. Nodes are subtask
// ids in plan order.
type Graph struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

func BuildGraph(subtasks []*Subtask) Graph {
	g := Graph{Nodes: make([]string, 0, len(subtasks))}
	for _, st := range subtasks {
		g.Nodes = append(g.Nodes, st.ID)
		for _, dep := range st.Dependencies {
			g.Edges = append(g.Edges, Edge{From: dep, To: st.ID})
		}
	}
	return g
}

// Validate checks that every edge references a known node and that the graph
// is acyclic.
func (g Graph) Validate() error {
	known := make(map[string]bool, len(g.Nodes))
	for _, id := range g.Nodes {
		known[id] = true
	}

	prereqs := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if !known[e.From] {
			return domain.Wrap(domain.CodeInvalidArgument, ErrUnknownDependency, "subtask %s depends on unknown subtask %s", e.To, e.From)
		}
		if !known[e.To] {
			return domain.Wrap(domain.CodeInvalidArgument, ErrUnknownDependency, "edge from %s targets unknown subtask %s", e.From, e.To)
		}
		prereqs[e.To] = append(prereqs[e.To], e.From)
	}

	if hasCycle(g.Nodes, prereqs) {
		return domain.Wrap(domain.CodeDependencyCycle, ErrCycleDetected, "dependency graph is not acyclic")
	}
	return nil
}

// hasCycle runs a depth-first search with white/gray/black colouring; a gray
// node reached again is a back edge.
func hasCycle(nodes []string, prereqs map[string][]string) bool {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range prereqs[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, id := range nodes {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// CriticalPath computes the longest dependency chain through the subtasks.
// Each node's finish time is the max finish time of its prerequisites plus
// its own estimate. The subtasks must already form a DAG.
func CriticalPath(subtasks []*Subtask) (time.Duration, []string) {
	byID := make(map[string]*Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	finish := make(map[string]time.Duration, len(subtasks))
	via := make(map[string]string, len(subtasks))

	var finishOf func(id string) time.Duration
	finishOf = func(id string) time.Duration {
		if f, ok := finish[id]; ok {
			return f
		}
		st := byID[id]
		if st == nil {
			return 0
		}
		var start time.Duration
		for _, dep := range st.Dependencies {
			if f := finishOf(dep); f > start {
				start = f
				via[id] = dep
			}
		}
		finish[id] = start + st.EstimatedDuration
		return finish[id]
	}

	var (
		length time.Duration
		last   string
	)
	for _, st := range subtasks {
		if f := finishOf(st.ID); f > length || last == "" {
			length = f
			last = st.ID
		}
	}
	if last == "" {
		return 0, nil
	}

	var path []string
	for id := last; id != ""; id = via[id] {
		path = append([]string{id}, path...)
	}
	return length, path
}
