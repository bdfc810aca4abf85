package agent

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

type Config struct {
	MaxAgents            int
	SampleInterval       time.Duration
	CPUAlertThreshold    float64
	MemoryAlertThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MaxAgents:            50,
		SampleInterval:       5 * time.Second,
		CPUAlertThreshold:    85,
		MemoryAlertThreshold: 90,
	}
}

// ResourceAlert is raised when a sampled agent crosses the CPU or memory
// threshold.
type ResourceAlert struct {
	SessionID string
	AgentID   string
	Resource  string
	Value     float64
	Threshold float64
	At        time.Time
}

type AlertFunc func(ResourceAlert)

// ScaleResult lists the agents a Scale call spawned and removed. Removed
// agents that still carry a CurrentSubtask need recovery by the caller.
type ScaleResult struct {
	Spawned []*Agent
	Removed []*Agent
}

// Registry manages the agents of one session.
// It provides thread-safe storage; every accessor returns copies.
type Registry struct {
	sessionID string
	cfg       Config
	sampler   Sampler
	onAlert   AlertFunc
	now       func() time.Time

	// mu protects agents.
	mu     sync.RWMutex
	agents map[string]*Agent

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRegistry(sessionID string, cfg Config) *Registry {
	defaults := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	if cfg.CPUAlertThreshold <= 0 {
		cfg.CPUAlertThreshold = defaults.CPUAlertThreshold
	}
	if cfg.MemoryAlertThreshold <= 0 {
		cfg.MemoryAlertThreshold = defaults.MemoryAlertThreshold
	}
	return &Registry{
		sessionID: sessionID,
		cfg:       cfg,
		sampler:   NewSimulatedSampler(time.Now().UnixNano()),
		now:       time.Now,
		agents:    make(map[string]*Agent),
	}
}

func (r *Registry) SetSampler(s Sampler) {
	r.sampler = s
}

func (r *Registry) SetAlertFunc(fn AlertFunc) {
	r.onAlert = fn
}

// Spawn creates an idle agent with zeroed performance and resources. Role
// defaults are used when capabilities is empty.
func (r *Registry) Spawn(role Role, capabilities []string) (*Agent, error) {
	if !role.Valid() {
		return nil, domain.Wrap(domain.CodeInvalidArgument, ErrInvalidRole, "unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.spawnLocked(role, capabilities)
	return a.clone(), nil
}

func (r *Registry) spawnLocked(role Role, capabilities []string) *Agent {
	if len(capabilities) == 0 {
		capabilities = DefaultCapabilities(role)
	}
	id := uuid.New().String()
	a := &Agent{
		ID:           id,
		Role:         role,
		Name:         agentName(role, id),
		Capabilities: slices.Clone(capabilities),
		Status:       StatusIdle,
		SpawnedAt:    r.now(),
	}
	r.agents[id] = a
	slog.Info("agent spawned", "session_id", r.sessionID, "agent_id", id, "role", role)
	return a
}

// Remove deletes the agent and returns its final state. The registry does no
// reassignment: a returned agent with a CurrentSubtask must be recovered by
// the caller.
func (r *Registry) Remove(agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, notFound(agentID)
	}
	r.removeLocked(a)
	return a, nil
}

func (r *Registry) removeLocked(a *Agent) {
	delete(r.agents, a.ID)
	if a.CurrentSubtask != "" {
		slog.Warn("agent removed with active subtask",
			"session_id", r.sessionID, "agent_id", a.ID, "subtask_id", a.CurrentSubtask)
		return
	}
	slog.Info("agent removed", "session_id", r.sessionID, "agent_id", a.ID)
}

// ListAvailable returns idle agents, optionally restricted to one role,
// ordered by quality score descending, then average duration ascending, then
// id.
func (r *Registry) ListAvailable(role Role) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if a.Status != StatusIdle {
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		out = append(out, a.clone())
	}
	slices.SortFunc(out, func(a, b *Agent) int {
		return cmp.Or(
			cmp.Compare(b.Performance.QualityScore, a.Performance.QualityScore),
			cmp.Compare(a.Performance.AverageDuration, b.Performance.AverageDuration),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

// Assign marks an idle agent busy with the given subtask. It never queues.
func (r *Registry) Assign(agentID, subtaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return notFound(agentID)
	}
	if a.Status != StatusIdle {
		return domain.Wrap(domain.CodeConflict, ErrAgentBusy, "agent %s is %s", agentID, a.Status)
	}
	a.Status = StatusBusy
	a.CurrentSubtask = subtaskID
	return nil
}

// Complete records the outcome of the agent's subtask and frees it. Agents
// marked failed keep their error status.
func (r *Registry) Complete(agentID string, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return notFound(agentID)
	}
	if c.SubtaskID != "" && a.CurrentSubtask != "" && a.CurrentSubtask != c.SubtaskID {
		slog.Warn("completion for a subtask the agent is not running",
			"agent_id", agentID, "current", a.CurrentSubtask, "reported", c.SubtaskID)
	}

	a.Performance.record(c, r.now())
	a.CurrentSubtask = ""
	if a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	return nil
}

// Release frees a busy agent without recording a completion, for work that
// never reached it.
func (r *Registry) Release(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return notFound(agentID)
	}
	a.CurrentSubtask = ""
	if a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	return nil
}

// MarkFailed puts the agent in the error state and returns its state from
// just before the failure, including the subtask it was running.
func (r *Registry) MarkFailed(agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, notFound(agentID)
	}
	before := a.clone()
	a.Status = StatusError
	a.CurrentSubtask = ""
	return before, nil
}

// Scale grows or shrinks the pool to target. Growth spawns the requested role
// or, when role is empty, the least-represented role. Shrinking removes idle
// agents before busy ones, lowest quality first.
func (r *Registry) Scale(target int, role Role) (*ScaleResult, error) {
	if target < 0 {
		return nil, domain.InvalidArgument("target agent count must not be negative, got %d", target)
	}
	if r.cfg.MaxAgents > 0 && target > r.cfg.MaxAgents {
		return nil, domain.ResourceExhausted("target %d exceeds the agent limit of %d", target, r.cfg.MaxAgents)
	}
	if role != "" && !role.Valid() {
		return nil, domain.Wrap(domain.CodeInvalidArgument, ErrInvalidRole, "unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res := &ScaleResult{}
	for len(r.agents) < target {
		next := role
		if next == "" {
			next = r.leastRepresentedLocked()
		}
		res.Spawned = append(res.Spawned, r.spawnLocked(next, nil).clone())
	}

	if excess := len(r.agents) - target; excess > 0 {
		candidates := make([]*Agent, 0, len(r.agents))
		for _, a := range r.agents {
			candidates = append(candidates, a)
		}
		slices.SortFunc(candidates, func(a, b *Agent) int {
			return cmp.Or(
				cmp.Compare(idleRank(a), idleRank(b)),
				cmp.Compare(a.Performance.QualityScore, b.Performance.QualityScore),
				cmp.Compare(a.ID, b.ID),
			)
		})
		for _, a := range candidates[:excess] {
			r.removeLocked(a)
			res.Removed = append(res.Removed, a)
		}
	}

	slog.Info("registry scaled", "session_id", r.sessionID, "target", target,
		"spawned", len(res.Spawned), "removed", len(res.Removed))
	return res, nil
}

// idleRank orders shrink candidates: idle agents go first, then agents
// that hold no work (error or offline), and busy agents last.
func idleRank(a *Agent) int {
	switch a.Status {
	case StatusIdle:
		return 0
	case StatusBusy:
		return 2
	default:
		return 1
	}
}

func (r *Registry) leastRepresentedLocked() Role {
	counts := make(map[Role]int, len(Roles))
	for _, a := range r.agents {
		counts[a.Role]++
	}
	best := Roles[0]
	for _, role := range Roles[1:] {
		if counts[role] < counts[best] {
			best = role
		}
	}
	return best
}

func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, notFound(agentID)
	}
	return a.clone(), nil
}

// All returns every agent ordered by spawn time, then id.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	slices.SortFunc(out, func(a, b *Agent) int {
		return cmp.Or(a.SpawnedAt.Compare(b.SpawnedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ResourceSnapshot returns the latest sampled resources keyed by agent id.
func (r *Registry) ResourceSnapshot() map[string]Resources {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Resources, len(r.agents))
	for id, a := range r.agents {
		out[id] = a.Resources
	}
	return out
}

// Start launches the periodic resource sampler. It is a no-op after the
// first call.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.wg.Add(1)
		go r.sampleLoop(ctx)
	})
}

// Stop halts the sampler and waits for it to exit. Safe to call more than
// once and before Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.startOnce.Do(func() {})
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

func (r *Registry) sampleLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SampleOnce()
		}
	}
}

// SampleOnce samples every agent and raises alerts for threshold breaches.
// Alerts are delivered after the registry lock is released.
func (r *Registry) SampleOnce() {
	var alerts []ResourceAlert

	r.mu.Lock()
	now := r.now()
	for _, a := range r.agents {
		res := r.sampler.Sample(a)
		res.SampledAt = now
		a.Resources = res

		if res.CPU > r.cfg.CPUAlertThreshold {
			alerts = append(alerts, ResourceAlert{
				SessionID: r.sessionID, AgentID: a.ID, Resource: "cpu",
				Value: res.CPU, Threshold: r.cfg.CPUAlertThreshold, At: now,
			})
		}
		if res.Memory > r.cfg.MemoryAlertThreshold {
			alerts = append(alerts, ResourceAlert{
				SessionID: r.sessionID, AgentID: a.ID, Resource: "memory",
				Value: res.Memory, Threshold: r.cfg.MemoryAlertThreshold, At: now,
			})
		}
	}
	r.mu.Unlock()

	if r.onAlert == nil {
		return
	}
	for _, alert := range alerts {
		r.onAlert(alert)
	}
}

func notFound(agentID string) error {
	return domain.Wrap(domain.CodeNotFound, ErrAgentNotFound, "agent %s", agentID)
}
