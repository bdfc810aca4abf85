package orchestrator

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/eventbus"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/telemetry"
)

type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateScaling      State = "scaling"
	StateShuttingDown State = "shutting_down"
	StateError        State = "error"
)

var transitions = map[State][]State{
	StateInitializing: {StateActive, StateError},
	StateActive:       {StateScaling, StateShuttingDown, StateError},
	StateScaling:      {StateActive, StateShuttingDown, StateError},
	StateError:        {StateShuttingDown},
}

// SessionConfig describes the initial agent pool of a session.
type SessionConfig struct {
	Name           string             `json:"name" yaml:"name"`
	Agents         map[agent.Role]int `json:"agents" yaml:"agents"`
	MaxAgents      int                `json:"max_agents,omitempty" yaml:"max_agents"`
	AutoCoordinate bool               `json:"auto_coordinate" yaml:"auto_coordinate"`
}

// Validate checks the pool against the agent limit; limit <= 0 disables the
// check.
func (c SessionConfig) Validate(limit int) error {
	if c.MaxAgents < 0 {
		return domain.InvalidConfiguration("max_agents must not be negative, got %d", c.MaxAgents)
	}
	if c.MaxAgents > 0 && (limit <= 0 || c.MaxAgents < limit) {
		limit = c.MaxAgents
	}

	total := 0
	for role, n := range c.Agents {
		if !role.Valid() {
			return domain.InvalidConfiguration("unknown agent role %q", role)
		}
		if n < 0 {
			return domain.InvalidConfiguration("agent count for %s must not be negative, got %d", role, n)
		}
		total += n
	}
	if limit > 0 && total > limit {
		return domain.InvalidConfiguration("%d agents requested, limit is %d", total, limit)
	}
	return nil
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Agents      int       `json:"agents"`
	Tasks       int       `json:"tasks"`
	ActiveTasks int       `json:"active_tasks"`
	CreatedAt   time.Time `json:"created_at"`
}

type session struct {
	id             string
	name           string
	createdAt      time.Time
	autoCoordinate bool
	registry       *agent.Registry
	hooks          *hookQueue
	cancel         context.CancelFunc
	state          atomic.Value

	// mu serializes every transition of the session, its tasks and its
	// agents.
	mu    sync.Mutex
	tasks map[string]*task.Task
	plans map[string]*coordination.Plan
}

func (s *session) stateValue() State {
	st, _ := s.state.Load().(State)
	return st
}

func (s *session) info() *SessionInfo {
	active := 0
	for _, t := range s.tasks {
		if !t.Done() {
			active++
		}
	}
	return &SessionInfo{
		ID:          s.id,
		Name:        s.name,
		State:       s.stateValue(),
		Agents:      s.registry.Count(),
		Tasks:       len(s.tasks),
		ActiveTasks: active,
		CreatedAt:   s.createdAt,
	}
}

func (s *session) requireActive() error {
	if st := s.stateValue(); st != StateActive {
		return domain.Wrap(domain.CodeConflict, ErrSessionNotActive, "session %s is %s", s.id, st)
	}
	return nil
}

func (o *Orchestrator) transitionLocked(ctx context.Context, s *session, to State) error {
	from := s.stateValue()
	if !slices.Contains(transitions[from], to) {
		return domain.Conflict("session %s cannot move from %s to %s", s.id, from, to)
	}
	s.state.Store(to)
	slog.Info("session state changed", "session_id", s.id, "from", from, "to", to)

	o.publish(ctx, eventbus.SessionStateChanged{
		Header: o.header(s.id),
		From:   string(from),
		To:     string(to),
	})
	o.updateSessionGauges()
	return nil
}

// InitializeSession creates the session's registry with its initial agents
// and starts health monitoring for it.
func (o *Orchestrator) InitializeSession(ctx context.Context, cfg SessionConfig) (info *SessionInfo, err error) {
	if err := cfg.Validate(o.cfg.Registry.MaxAgents); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ctx, span := telemetry.StartSessionSpan(ctx, "initialize", id)
	defer func() { telemetry.End(span, err) }()

	regCfg := o.cfg.Registry
	if cfg.MaxAgents > 0 {
		regCfg.MaxAgents = cfg.MaxAgents
	}
	registry := agent.NewRegistry(id, regCfg)
	if o.samplerFor != nil {
		registry.SetSampler(o.samplerFor(id))
	}
	registry.SetAlertFunc(func(a agent.ResourceAlert) {
		if err := o.monitor.RecordResourceAlert(a.SessionID, a.AgentID, a.Resource, a.Value, a.Threshold); err != nil {
			slog.Debug("resource alert for unmonitored session", "session_id", a.SessionID, "error", err)
		}
	})

	sessionCtx, cancel := context.WithCancel(o.baseCtx)
	s := &session{
		id:             id,
		name:           cfg.Name,
		createdAt:      o.now(),
		autoCoordinate: cfg.AutoCoordinate,
		registry:       registry,
		hooks:          newHookQueue(),
		cancel:         cancel,
		tasks:          make(map[string]*task.Task),
		plans:          make(map[string]*coordination.Plan),
	}
	if s.name == "" {
		s.name = "session-" + id[:8]
	}
	s.state.Store(StateInitializing)
	// Hook calls outlive the session context so queued ones still run
	// after shutdown.
	s.hooks.start(o.baseCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	o.mu.Lock()
	o.sessions[id] = s
	o.mu.Unlock()

	o.publish(ctx, eventbus.SessionStateChanged{Header: o.header(id), To: string(StateInitializing)})

	for _, role := range agent.Roles {
		for range cfg.Agents[role] {
			a, err := registry.Spawn(role, nil)
			if err != nil {
				return nil, o.failInitLocked(ctx, s, err)
			}
			o.persistAgent(ctx, id, a)
		}
	}

	registry.Start(sessionCtx)
	util := func() float64 { return meanUtilization(registry.ResourceSnapshot()) }
	if err := o.monitor.StartMonitoring(sessionCtx, id, util); err != nil {
		return nil, o.failInitLocked(ctx, s, err)
	}

	if err := o.transitionLocked(ctx, s, StateActive); err != nil {
		return nil, err
	}
	slog.Info("session initialized", "session_id", id, "name", s.name, "agents", registry.Count())
	return s.info(), nil
}

func (o *Orchestrator) failInitLocked(ctx context.Context, s *session, cause error) error {
	s.registry.Stop()
	s.hooks.close()
	s.cancel()
	if err := o.transitionLocked(ctx, s, StateError); err != nil {
		slog.Error("failed to mark session errored", "session_id", s.id, "error", err)
	}
	return cause
}

// meanUtilization averages CPU and memory across every agent.
func meanUtilization(snap map[string]agent.Resources) float64 {
	if len(snap) == 0 {
		return 0
	}
	var sum float64
	for _, r := range snap {
		sum += (r.CPU + r.Memory) / 2
	}
	return sum / float64(len(snap))
}

// ShutdownSession stops monitoring, removes every agent and releases the
// session's tasks. Calling it again for the same session within the
// monitor grace period is a no-op.
func (o *Orchestrator) ShutdownSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "shutdown", sessionID)
	defer func() { telemetry.End(span, err) }()

	s, err := o.lookup(sessionID)
	if err != nil {
		o.mu.RLock()
		endedAt, ended := o.ended[sessionID]
		o.mu.RUnlock()
		if ended && o.now().Sub(endedAt) <= o.monitor.GracePeriod() {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateValue() == StateShuttingDown {
		return nil
	}
	if err := o.transitionLocked(ctx, s, StateShuttingDown); err != nil {
		return err
	}

	o.monitor.StopMonitoring(sessionID)
	s.registry.Stop()
	s.hooks.close()
	s.cancel()

	for _, a := range s.registry.All() {
		removed, err := s.registry.Remove(a.ID)
		if err != nil {
			continue
		}
		removed.Status = agent.StatusOffline
		o.persistAgent(ctx, sessionID, removed)
	}

	for _, t := range s.tasks {
		t.Recompute(o.now())
		o.persistTask(ctx, t)
	}

	o.mu.Lock()
	for taskID := range s.tasks {
		delete(o.taskIndex, taskID)
	}
	delete(o.sessions, sessionID)
	o.pruneEndedLocked()
	o.ended[sessionID] = o.now()
	o.mu.Unlock()

	s.tasks = nil
	s.plans = nil
	o.updateSessionGauges()
	slog.Info("session shut down", "session_id", sessionID)
	return nil
}

func (o *Orchestrator) Session(sessionID string) (*SessionInfo, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// Sessions lists live sessions, oldest first.
func (o *Orchestrator) Sessions() []*SessionInfo {
	o.mu.RLock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.RUnlock()

	out := make([]*SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *SessionInfo) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (o *Orchestrator) Agents(sessionID string) ([]*agent.Agent, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.registry.All(), nil
}

// SpawnAgent adds an agent to the session and immediately offers it any
// subtask that was waiting for its role.
func (o *Orchestrator) SpawnAgent(ctx context.Context, sessionID string, role agent.Role, capabilities []string) (a *agent.Agent, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return nil, err
	}

	a, err = s.registry.Spawn(role, capabilities)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartAgentSpan(ctx, "spawn", sessionID, a.ID)
	defer func() { telemetry.End(span, err) }()

	o.persistAgent(ctx, sessionID, a)
	o.assignPendingLocked(ctx, s)
	return s.registry.Get(a.ID)
}

// RemoveAgent tears an agent down. If it was running a subtask, recovery is
// planned and executed before returning; the plan is nil otherwise.
func (o *Orchestrator) RemoveAgent(ctx context.Context, sessionID, agentID string) (plan *RecoveryPlan, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartAgentSpan(ctx, "remove", sessionID, agentID)
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.registry.Remove(agentID)
	if err != nil {
		return nil, err
	}
	removed.Status = agent.StatusOffline
	o.persistAgent(ctx, sessionID, removed)

	if removed.CurrentSubtask == "" {
		return nil, nil
	}
	return o.recoverLocked(ctx, s, removed), nil
}

// ScaleResult reports what a Scale call changed, including the recoveries
// for busy agents that had to be removed.
type ScaleResult struct {
	Spawned    []*agent.Agent  `json:"spawned"`
	Removed    []*agent.Agent  `json:"removed"`
	Recoveries []*RecoveryPlan `json:"recoveries,omitempty"`
}

func (o *Orchestrator) Scale(ctx context.Context, sessionID string, target int, role agent.Role) (res *ScaleResult, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSessionSpan(ctx, "scale", sessionID)
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive(); err != nil {
		return nil, err
	}
	if err := o.transitionLocked(ctx, s, StateScaling); err != nil {
		return nil, err
	}
	defer func() {
		if terr := o.transitionLocked(ctx, s, StateActive); terr != nil {
			slog.Error("failed to leave scaling state", "session_id", sessionID, "error", terr)
		}
	}()

	scaled, err := s.registry.Scale(target, role)
	if err != nil {
		return nil, err
	}

	res = &ScaleResult{Spawned: scaled.Spawned, Removed: scaled.Removed}
	for _, a := range scaled.Spawned {
		o.persistAgent(ctx, sessionID, a)
	}
	for _, a := range scaled.Removed {
		busy := a.CurrentSubtask != ""
		a.Status = agent.StatusOffline
		o.persistAgent(ctx, sessionID, a)
		if busy {
			res.Recoveries = append(res.Recoveries, o.recoverLocked(ctx, s, a))
		}
	}
	if len(scaled.Spawned) > 0 {
		o.assignPendingLocked(ctx, s)
	}
	return res, nil
}

// pruneEndedLocked forgets sessions that ended longer ago than the monitor's
// grace period. Caller holds o.mu.
func (o *Orchestrator) pruneEndedLocked() {
	cutoff := o.now().Add(-o.monitor.GracePeriod())
	for id, at := range o.ended {
		if at.Before(cutoff) {
			delete(o.ended, id)
		}
	}
}
