package coordination

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/task"
)

// Budget is the total CPU (cores) and memory (MiB) split across a plan's
// agents.
type Budget struct {
	CPU    float64
	Memory float64
}

type RoleWeight struct {
	CPU      float64
	Memory   float64
	Priority Priority
}

type Config struct {
	Budget      Budget
	Thresholds  Thresholds
	RoleWeights map[agent.Role]RoleWeight
}

func DefaultConfig() Config {
	return Config{
		Budget:     Budget{CPU: 8, Memory: 16384},
		Thresholds: DefaultThresholds(),
		RoleWeights: map[agent.Role]RoleWeight{
			agent.RoleCoordinator: {CPU: 0.5, Memory: 1.5, Priority: PriorityHigh},
			agent.RoleResearcher:  {CPU: 1.0, Memory: 1.0, Priority: PriorityMedium},
			agent.RoleArchitect:   {CPU: 1.0, Memory: 1.2, Priority: PriorityMedium},
			agent.RoleCoder:       {CPU: 1.5, Memory: 1.0, Priority: PriorityHigh},
			agent.RoleTester:      {CPU: 1.5, Memory: 1.0, Priority: PriorityMedium},
			agent.RoleReviewer:    {CPU: 0.8, Memory: 0.8, Priority: PriorityLow},
		},
	}
}

type Planner struct {
	cfg Config
	now func() time.Time
}

func NewPlanner(cfg Config) *Planner {
	defaults := DefaultConfig()
	if cfg.RoleWeights == nil {
		cfg.RoleWeights = defaults.RoleWeights
	}
	if cfg.Budget == (Budget{}) {
		cfg.Budget = defaults.Budget
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = defaults.Thresholds
	}
	return &Planner{cfg: cfg, now: time.Now}
}

type phase struct {
	role     agent.Role
	parallel bool
	verb     string
}

// Coordinators take no step in the flow; they appear only in the
// communication matrix and the allocation.
var phases = []phase{
	{role: agent.RoleResearcher, verb: "Research"},
	{role: agent.RoleArchitect, verb: "Design solution for"},
	{role: agent.RoleCoder, parallel: true, verb: "Implement fix for"},
	{role: agent.RoleTester, parallel: true, verb: "Test fix for"},
	{role: agent.RoleReviewer, verb: "Review changes for"},
}

func (p *Planner) Plan(agents []*agent.Agent, t *task.Task) (*Plan, error) {
	if len(agents) == 0 {
		return nil, domain.InvalidArgument("coordination requires at least one agent")
	}
	if t == nil {
		return nil, domain.InvalidArgument("coordination requires a task")
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}

	plan := &Plan{
		ID:            uuid.New().String(),
		TaskID:        t.ID,
		Agents:        ids,
		Flow:          p.flow(agents, t),
		Communication: communication(agents),
		Allocation:    p.allocate(agents),
		Thresholds:    p.cfg.Thresholds,
		CreatedAt:     p.now(),
	}
	slog.Info("coordination plan built", "plan_id", plan.ID, "task_id", t.ID,
		"agents", len(agents), "steps", len(plan.Flow))
	return plan, nil
}

func (p *Planner) flow(agents []*agent.Agent, t *task.Task) []Step {
	byRole := make(map[agent.Role][]*agent.Agent)
	for _, a := range agents {
		byRole[a.Role] = append(byRole[a.Role], a)
	}

	var (
		steps []Step
		prev  []string
	)
	for _, ph := range phases {
		members := byRole[ph.role]
		if len(members) == 0 {
			continue
		}

		gate := prev
		current := make([]string, 0, len(members))
		for _, a := range members {
			prereqs := append([]string{}, gate...)
			steps = append(steps, Step{
				Number:         len(steps) + 1,
				AgentID:        a.ID,
				Role:           string(a.Role),
				Description:    fmt.Sprintf("%s problem %s", ph.verb, t.Problem.ID),
				Prerequisites:  prereqs,
				Parallelizable: ph.parallel,
			})
			if !ph.parallel {
				gate = []string{a.ID}
			}
			current = append(current, a.ID)
		}
		prev = current
	}
	return steps
}

func communication(agents []*agent.Agent) []Link {
	links := make([]Link, 0, len(agents)*(len(agents)-1))
	for _, from := range agents {
		for _, to := range agents {
			if from.ID == to.ID {
				continue
			}
			links = append(links, linkFor(from, to))
		}
	}
	return links
}

func linkFor(from, to *agent.Agent) Link {
	l := Link{From: from.ID, To: to.ID}
	switch {
	case from.Role == agent.RoleCoordinator || to.Role == agent.RoleCoordinator:
		l.Frequency, l.Protocol, l.Priority = 0.9, ProtocolDirect, PriorityHigh
	case pairOf(from, to, agent.RoleCoder, agent.RoleTester),
		pairOf(from, to, agent.RoleArchitect, agent.RoleCoder):
		l.Frequency, l.Protocol, l.Priority = 0.6, ProtocolAsync, PriorityMedium
	default:
		l.Frequency, l.Protocol, l.Priority = 0.2, ProtocolBroadcast, PriorityLow
	}
	return l
}

func pairOf(a, b *agent.Agent, x, y agent.Role) bool {
	return (a.Role == x && b.Role == y) || (a.Role == y && b.Role == x)
}

// allocate splits the budget by role weight across the roles present, then
// evenly inside each role, so the per-agent shares sum to the budget.
func (p *Planner) allocate(agents []*agent.Agent) []Allocation {
	counts := make(map[agent.Role]int)
	for _, a := range agents {
		counts[a.Role]++
	}

	var cpuTotal, memTotal float64
	for role := range counts {
		w := p.weight(role)
		cpuTotal += w.CPU
		memTotal += w.Memory
	}

	out := make([]Allocation, 0, len(agents))
	for _, a := range agents {
		w := p.weight(a.Role)
		n := float64(counts[a.Role])
		alloc := Allocation{AgentID: a.ID, Priority: w.Priority}
		if cpuTotal > 0 {
			alloc.CPU = p.cfg.Budget.CPU * w.CPU / cpuTotal / n
		}
		if memTotal > 0 {
			alloc.Memory = p.cfg.Budget.Memory * w.Memory / memTotal / n
		}
		out = append(out, alloc)
	}
	return out
}

func (p *Planner) weight(role agent.Role) RoleWeight {
	if w, ok := p.cfg.RoleWeights[role]; ok {
		return w
	}
	return RoleWeight{CPU: 1, Memory: 1, Priority: PriorityMedium}
}
