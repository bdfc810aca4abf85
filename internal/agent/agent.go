// Package agent owns the swarm's agents: identity, capabilities, status,
// performance history and resource snapshots. A Registry holds the agents of
// one session; callers only ever see copies.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

type (
	Role   string
	Status string
)

const (
	RoleResearcher  Role = "researcher"
	RoleArchitect   Role = "architect"
	RoleCoder       Role = "coder"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
	RoleCoordinator Role = "coordinator"
)

// Roles lists every role in declaration order. Scale uses this order to
// break ties when load-balancing.
var Roles = []Role{RoleResearcher, RoleArchitect, RoleCoder, RoleTester, RoleReviewer, RoleCoordinator}

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentBusy     = errors.New("agent busy")
	ErrInvalidRole   = errors.New("invalid agent role")
)

var defaultCapabilities = map[Role][]string{
	RoleResearcher:  {"analysis", "static_analysis", "requirements_analysis", "documentation"},
	RoleArchitect:   {"analysis", "api_design", "system_design"},
	RoleCoder:       {"code_generation", "refactoring", "static_analysis", "git"},
	RoleTester:      {"test_generation", "test_execution", "coverage_analysis"},
	RoleReviewer:    {"code_review", "static_analysis", "documentation"},
	RoleCoordinator: {"coordination", "planning", "monitoring"},
}

func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", domain.Wrap(domain.CodeInvalidArgument, ErrInvalidRole, "unknown role %q", s)
	}
	return r, nil
}

// DefaultCapabilities returns a fresh copy of the capability set an agent of
// the given role gets when spawned without explicit capabilities.
func DefaultCapabilities(r Role) []string {
	return slices.Clone(defaultCapabilities[r])
}

// Performance is an agent's running record. SuccessRate and QualityScore are
// percentages in [0,100]; AverageDuration and QualityScore are running means
// over TasksCompleted.
type Performance struct {
	TasksCompleted  int           `json:"tasks_completed"`
	Successes       int           `json:"successes"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
	QualityScore    float64       `json:"quality_score"`
	LastUpdated     time.Time     `json:"last_updated"`
}

type Resources struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	Network   float64   `json:"network"`
	SampledAt time.Time `json:"sampled_at"`
}

type Agent struct {
	ID             string      `json:"id"`
	Role           Role        `json:"role"`
	Name           string      `json:"name"`
	Capabilities   []string    `json:"capabilities"`
	Status         Status      `json:"status"`
	CurrentSubtask string      `json:"current_subtask,omitempty"`
	Performance    Performance `json:"performance"`
	Resources      Resources   `json:"resources"`
	SpawnedAt      time.Time   `json:"spawned_at"`
}

func agentName(r Role, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", r, short)
}

// SharesCapability reports whether the agent has at least one of caps.
func (a *Agent) SharesCapability(caps []string) bool {
	for _, c := range caps {
		if slices.Contains(a.Capabilities, c) {
			return true
		}
	}
	return false
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// Completion reports the outcome of one subtask run by an agent. Quality is
// optional and clamped to [0,100].
type Completion struct {
	SubtaskID string
	Success   bool
	Duration  time.Duration
	Quality   *float64
}

func (p *Performance) record(c Completion, now time.Time) {
	p.TasksCompleted++
	n := p.TasksCompleted

	p.AverageDuration += (c.Duration - p.AverageDuration) / time.Duration(n)
	if c.Success {
		p.Successes++
	}
	p.SuccessRate = clamp(float64(p.Successes) / float64(n) * 100)
	if c.Quality != nil {
		p.QualityScore = clamp(p.QualityScore + (clamp(*c.Quality)-p.QualityScore)/float64(n))
	}
	p.LastUpdated = now
}

func clamp(v float64) float64 {
	return max(0, min(100, v))
}
