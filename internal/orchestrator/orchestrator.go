// Package orchestrator owns session lifecycle and wires the agent registry,
// dependency planner, coordination planner and health monitor together.
// Every state transition of a session happens under that session's mutex,
// and the events it produces are published before the mutex is released.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/eventbus"
	"github.com/jedarden/swebench-swarm/internal/flow"
	"github.com/jedarden/swebench-swarm/internal/health"
	"github.com/jedarden/swebench-swarm/internal/metrics"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
)

// Dispatcher hands an assigned subtask to whatever executes it.
type Dispatcher interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SnapshotStore keeps the latest state of every task so it stays queryable
// after its session is gone.
type SnapshotStore interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
}

// History records tasks, agents and recoveries for later analysis.
type History interface {
	SaveTask(ctx context.Context, t *task.Task) error
	SaveAgent(ctx context.Context, sessionID string, a *agent.Agent) error
	SaveRecovery(ctx context.Context, rec *models.Recovery) error
}

type RecoveryConfig struct {
	ReplacementDelay   time.Duration
	NoReplacementDelay time.Duration
}

type Config struct {
	Registry     agent.Config
	Planner      task.PlannerConfig
	Coordination coordination.Config
	Recovery     RecoveryConfig
}

func DefaultConfig() Config {
	return Config{
		Registry:     agent.DefaultConfig(),
		Planner:      task.DefaultPlannerConfig(),
		Coordination: coordination.DefaultConfig(),
		Recovery: RecoveryConfig{
			ReplacementDelay:   30 * time.Second,
			NoReplacementDelay: 5 * time.Minute,
		},
	}
}

type Orchestrator struct {
	cfg         Config
	planner     *task.Planner
	coordinator *coordination.Planner
	monitor     *health.Monitor
	samplerFor  func(sessionID string) agent.Sampler
	now         func() time.Time
	baseCtx     context.Context
	cancel      context.CancelFunc
	dispatcher  Dispatcher
	snapshots   SnapshotStore
	history     History
	publisher   eventbus.Publisher
	hooks       flow.Hooks

	mu        sync.RWMutex
	sessions  map[string]*session
	taskIndex map[string]string
	ended     map[string]time.Time
}

// New builds an orchestrator around a shared health monitor. The monitor is
// owned by the caller and is not closed by Close.
func New(cfg Config, monitor *health.Monitor) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Recovery.ReplacementDelay <= 0 {
		cfg.Recovery.ReplacementDelay = defaults.Recovery.ReplacementDelay
	}
	if cfg.Recovery.NoReplacementDelay <= 0 {
		cfg.Recovery.NoReplacementDelay = defaults.Recovery.NoReplacementDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		planner:     task.NewPlanner(cfg.Planner),
		coordinator: coordination.NewPlanner(cfg.Coordination),
		monitor:     monitor,
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
		hooks:       flow.Nop{},
		sessions:    make(map[string]*session),
		taskIndex:   make(map[string]string),
		ended:       make(map[string]time.Time),
	}
}

func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

func (o *Orchestrator) SetSnapshotStore(s SnapshotStore) {
	o.snapshots = s
}

func (o *Orchestrator) SetHistory(h History) {
	o.history = h
}

func (o *Orchestrator) SetPublisher(p eventbus.Publisher) {
	o.publisher = p
}

// SetHooks installs the coordination hooks. nil restores the no-op hooks.
func (o *Orchestrator) SetHooks(h flow.Hooks) {
	if h == nil {
		h = flow.Nop{}
	}
	o.hooks = h
}

// SetSamplerFactory overrides the resource sampler given to each new
// session's registry.
func (o *Orchestrator) SetSamplerFactory(fn func(sessionID string) agent.Sampler) {
	o.samplerFor = fn
}

// Close shuts every live session down.
func (o *Orchestrator) Close() {
	for _, info := range o.Sessions() {
		if err := o.ShutdownSession(context.Background(), info.ID); err != nil {
			slog.Error("failed to shut down session", "session_id", info.ID, "error", err)
		}
	}
	o.cancel()
}

func (o *Orchestrator) lookup(sessionID string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, domain.Wrap(domain.CodeNotFound, ErrSessionNotFound, "session %s", sessionID)
	}
	return s, nil
}

// lookupTask resolves the session owning taskID.
func (o *Orchestrator) lookupTask(taskID string) (*session, error) {
	o.mu.RLock()
	sessionID, ok := o.taskIndex[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, domain.Wrap(domain.CodeNotFound, task.ErrTaskNotFound, "task %s", taskID)
	}
	return o.lookup(sessionID)
}

func (o *Orchestrator) publish(ctx context.Context, e eventbus.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		slog.Warn("failed to publish event", "type", e.EventType(), "session_id", e.Session(), "error", err)
	}
}

func (o *Orchestrator) header(sessionID string) eventbus.Header {
	return eventbus.Header{SessionID: sessionID, At: o.now()}
}

// persistTask writes the task to the snapshot store and history. Failures
// are logged; persistence never fails an orchestration step.
func (o *Orchestrator) persistTask(ctx context.Context, t *task.Task) {
	if o.snapshots != nil {
		if err := o.snapshots.SaveTask(ctx, t); err != nil {
			slog.Warn("failed to save task snapshot", "task_id", t.ID, "error", err)
		}
	}
	if o.history != nil {
		if err := o.history.SaveTask(ctx, t); err != nil {
			slog.Warn("failed to record task history", "task_id", t.ID, "error", err)
		}
	}
}

func (o *Orchestrator) persistAgent(ctx context.Context, sessionID string, a *agent.Agent) {
	if o.history == nil || a == nil {
		return
	}
	if err := o.history.SaveAgent(ctx, sessionID, a); err != nil {
		slog.Warn("failed to record agent history", "agent_id", a.ID, "error", err)
	}
}

func (o *Orchestrator) updateSessionGauges() {
	o.mu.RLock()
	defer o.mu.RUnlock()

	byState := make(map[string]int)
	for _, s := range o.sessions {
		byState[string(s.stateValue())]++
	}
	metrics.UpdateSessionGauges(byState)
}

// AgentCounts returns the number of agents per status across every live
// session.
func (o *Orchestrator) AgentCounts() map[string]int {
	o.mu.RLock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range sessions {
		for _, a := range s.registry.All() {
			counts[string(a.Status)]++
		}
	}
	return counts
}
