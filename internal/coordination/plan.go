// Package coordination builds coordination plans: who works in which order,
// who talks to whom, and how the resource budget is split across a set of
// agents working one task.
package coordination

import (
	"time"
)

type (
	Protocol string
	Priority string
)

const (
	ProtocolDirect    Protocol = "direct"
	ProtocolAsync     Protocol = "async"
	ProtocolBroadcast Protocol = "broadcast"
)

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Step is one entry of a task flow. Prerequisites are agent ids whose steps
// must finish first.
type Step struct {
	Number         int      `json:"number"`
	AgentID        string   `json:"agent_id"`
	Role           string   `json:"role"`
	Description    string   `json:"description"`
	Prerequisites  []string `json:"prerequisites"`
	Parallelizable bool     `json:"parallelizable"`
}

// Link is the communication policy for one ordered agent pair.
type Link struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Frequency float64  `json:"frequency"`
	Protocol  Protocol `json:"protocol"`
	Priority  Priority `json:"priority"`
}

type Allocation struct {
	AgentID  string   `json:"agent_id"`
	CPU      float64  `json:"cpu"`
	Memory   float64  `json:"memory"`
	Priority Priority `json:"priority"`
}

// Thresholds are the monitoring limits attached to a plan.
type Thresholds struct {
	StallRatio     float64       `json:"stall_ratio"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryPercent  float64       `json:"memory_percent"`
	LatencyCeiling time.Duration `json:"latency_ceiling"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StallRatio:     0.9,
		CPUPercent:     85,
		MemoryPercent:  90,
		LatencyCeiling: time.Second,
	}
}

// Plan is immutable once built; a new plan replaces an old one.
type Plan struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"task_id"`
	Agents        []string     `json:"agents"`
	Flow          []Step       `json:"flow"`
	Communication []Link       `json:"communication"`
	Allocation    []Allocation `json:"allocation"`
	Thresholds    Thresholds   `json:"thresholds"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (p *Plan) Link(from, to string) (Link, bool) {
	for _, l := range p.Communication {
		if l.From == from && l.To == to {
			return l, true
		}
	}
	return Link{}, false
}

func (p *Plan) AllocationFor(agentID string) (Allocation, bool) {
	for _, a := range p.Allocation {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Allocation{}, false
}

func (p *Plan) Step(agentID string) (Step, bool) {
	for _, s := range p.Flow {
		if s.AgentID == agentID {
			return s, true
		}
	}
	return Step{}, false
}
