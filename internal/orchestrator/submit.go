package orchestrator

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/eventbus"
	"github.com/jedarden/swebench-swarm/internal/flow"
	"github.com/jedarden/swebench-swarm/internal/health"
	"github.com/jedarden/swebench-swarm/internal/metrics"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/telemetry"
)

// RoleFor maps a subtask type to the agent role that executes it.
func RoleFor(t task.SubtaskType) agent.Role {
	switch t {
	case task.TypeResearch:
		return agent.RoleResearcher
	case task.TypeImplementation:
		return agent.RoleCoder
	case task.TypeTesting:
		return agent.RoleTester
	case task.TypeReview:
		return agent.RoleReviewer
	default:
		return ""
	}
}

// SubmitProblem decomposes the problem into a Task and assigns every subtask
// whose prerequisites are met to the first available agent of its role.
// Subtasks without an agent stay pending until one frees up.
func (o *Orchestrator) SubmitProblem(ctx context.Context, sessionID string, problem task.Problem, complexity task.Complexity) (t *task.Task, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return nil, err
	}

	t, err = o.planner.Decompose(problem, complexity)
	if err != nil {
		return nil, err
	}
	t.SessionID = sessionID

	ctx, span := telemetry.StartTaskSpan(ctx, "submit", sessionID, t.ID)
	defer func() { telemetry.End(span, err) }()

	s.tasks[t.ID] = t
	o.mu.Lock()
	o.taskIndex[t.ID] = sessionID
	o.mu.Unlock()

	metrics.RecordTaskSubmitted(t.Priority.String())
	slog.Info("problem submitted", "session_id", sessionID, "task_id", t.ID, "problem_id", problem.ID,
		"subtasks", len(t.Subtasks), "priority", t.Priority, "critical_path", t.CriticalPathLength)

	o.assignReadyLocked(ctx, s, t)

	if s.autoCoordinate {
		if _, err := o.coordinateLocked(s, t); err != nil {
			slog.Warn("coordination skipped", "task_id", t.ID, "error", err)
		}
	}

	t.Recompute(o.now())
	o.persistTask(ctx, t)
	return t.Clone(), nil
}

// assignPendingLocked offers ready subtasks of every unfinished task, oldest
// task first.
func (o *Orchestrator) assignPendingLocked(ctx context.Context, s *session) {
	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.Done() {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b *task.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	for _, t := range tasks {
		if o.assignReadyLocked(ctx, s, t) > 0 {
			t.Recompute(o.now())
			o.persistTask(ctx, t)
		}
	}
}

// assignReadyLocked assigns each ready subtask to the first available agent
// of its role and returns how many were assigned.
func (o *Orchestrator) assignReadyLocked(ctx context.Context, s *session, t *task.Task) int {
	assigned := 0
	for _, st := range t.Ready() {
		candidates := s.registry.ListAvailable(RoleFor(st.Type))
		if len(candidates) == 0 {
			slog.Debug("no agent available", "task_id", t.ID, "subtask_id", st.ID, "type", st.Type)
			continue
		}
		if err := o.assignLocked(ctx, s, t, st, candidates[0]); err != nil {
			slog.Warn("failed to assign subtask", "task_id", t.ID, "subtask_id", st.ID, "error", err)
			continue
		}
		assigned++
	}
	return assigned
}

func (o *Orchestrator) assignLocked(ctx context.Context, s *session, t *task.Task, st *task.Subtask, a *agent.Agent) error {
	if err := s.registry.Assign(a.ID, st.ID); err != nil {
		return err
	}

	now := o.now()
	st.Status = task.StatusInProgress
	st.AssignedAgent = a.ID
	st.StartedAt = &now
	st.CompletedAt = nil

	if o.dispatcher != nil {
		job := queue.NewJob(s.id, t, st, priorPatch(t))
		if err := o.dispatcher.Enqueue(ctx, job); err != nil {
			st.Status = task.StatusPending
			st.AssignedAgent = ""
			st.StartedAt = nil
			if rerr := s.registry.Release(a.ID); rerr != nil {
				slog.Error("failed to release agent", "agent_id", a.ID, "error", rerr)
			}
			return domain.Internal(err, "dispatch subtask "+st.ID)
		}
	}

	o.queuePreTask(s, hookContext(s.id, t, st, a))

	metrics.RecordSubtaskAssigned(string(st.Type))
	slog.Info("subtask assigned", "session_id", s.id, "task_id", t.ID, "subtask_id", st.ID,
		"type", st.Type, "agent_id", a.ID)
	o.publish(ctx, eventbus.SubtaskAssigned{
		Header:      o.header(s.id),
		TaskID:      t.ID,
		SubtaskID:   st.ID,
		SubtaskType: string(st.Type),
		AgentID:     a.ID,
	})
	return nil
}

func hookContext(sessionID string, t *task.Task, st *task.Subtask, a *agent.Agent) flow.HookContext {
	return flow.HookContext{
		SessionID:   sessionID,
		TaskID:      t.ID,
		SubtaskID:   st.ID,
		AgentID:     a.ID,
		AgentRole:   string(a.Role),
		Description: st.Description,
	}
}

// priorPatch joins the patches produced by completed implementation
// subtasks, in plan order.
func priorPatch(t *task.Task) string {
	var patches []string
	for _, st := range t.Subtasks {
		if st.Type != task.TypeImplementation || st.Status != task.StatusCompleted || st.Result == nil {
			continue
		}
		if p := strings.TrimSpace(st.Result.Patch); p != "" {
			patches = append(patches, p)
		}
	}
	if len(patches) == 0 {
		return ""
	}
	return strings.Join(patches, "\n") + "\n"
}

// OnSubtaskCompleted records the outcome of an in-progress subtask, frees
// its agent and moves the task forward. A failed subtask fails the task;
// siblings are not retried and nothing new is assigned for it. A non-empty
// agentID must match the subtask's current assignee, so a report from an
// agent that lost the subtask to recovery is rejected with a conflict.
func (o *Orchestrator) OnSubtaskCompleted(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) (t *task.Task, err error) {
	s, err := o.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartTaskSpan(ctx, "complete_subtask", s.id, taskID)
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.Wrap(domain.CodeNotFound, task.ErrTaskNotFound, "task %s", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return nil, domain.Wrap(domain.CodeNotFound, task.ErrSubtaskNotFound, "subtask %s in task %s", subtaskID, taskID)
	}
	if agentID != "" && agentID != st.AssignedAgent {
		return nil, domain.Conflict("subtask %s is assigned to %q, not %s", subtaskID, st.AssignedAgent, agentID)
	}
	if st.Status != task.StatusInProgress {
		return nil, domain.Conflict("subtask %s is %s, not in progress", subtaskID, st.Status)
	}

	now := o.now()
	var duration time.Duration
	if st.StartedAt != nil {
		duration = now.Sub(*st.StartedAt)
	}
	st.CompletedAt = &now
	st.Result = &result
	if result.Success {
		st.Status = task.StatusCompleted
		metrics.RecordSubtaskCompleted(string(st.Type), duration)
	} else {
		st.Status = task.StatusFailed
		metrics.RecordSubtaskFailed(string(st.Type), duration)
	}

	o.recordAgentCompletionLocked(ctx, s, t, st, result, duration)
	if err := o.monitor.RecordTaskCompletion(s.id, health.TaskSample{
		Success:   result.Success,
		Duration:  duration,
		Estimated: st.EstimatedDuration,
	}); err != nil {
		slog.Debug("task completion not recorded", "session_id", s.id, "error", err)
	}

	slog.Info("subtask finished", "session_id", s.id, "task_id", taskID, "subtask_id", subtaskID,
		"success", result.Success, "duration", duration)
	o.publish(ctx, eventbus.SubtaskCompleted{
		Header:    o.header(s.id),
		TaskID:    taskID,
		SubtaskID: subtaskID,
		AgentID:   st.AssignedAgent,
		Success:   result.Success,
	})

	wasDone := t.Done()
	t.Recompute(now)
	switch {
	case t.Status.Status == task.StatusFailed:
		if !wasDone {
			o.finishTaskLocked(ctx, s, t)
		}
	case t.Status.Status == task.StatusCompleted:
		o.finishTaskLocked(ctx, s, t)
	default:
		o.assignReadyLocked(ctx, s, t)
		t.Recompute(now)
	}

	o.persistTask(ctx, t)
	return t.Clone(), nil
}

func (o *Orchestrator) recordAgentCompletionLocked(ctx context.Context, s *session, t *task.Task, st *task.Subtask, result task.Result, duration time.Duration) {
	if st.AssignedAgent == "" {
		return
	}
	err := s.registry.Complete(st.AssignedAgent, agent.Completion{
		SubtaskID: st.ID,
		Success:   result.Success,
		Duration:  duration,
		Quality:   result.Quality,
	})
	if err != nil {
		// The agent may have been removed while the subtask ran.
		if !domain.Is(err, domain.CodeNotFound) {
			slog.Warn("failed to record agent completion", "agent_id", st.AssignedAgent, "error", err)
		}
		return
	}

	a, err := s.registry.Get(st.AssignedAgent)
	if err != nil {
		return
	}
	if err := o.monitor.RecordAgentPerformance(s.id, a.ID, a.Performance.SuccessRate, a.Performance.QualityScore); err != nil {
		slog.Debug("agent performance not recorded", "session_id", s.id, "error", err)
	}
	o.queuePostTask(s, hookContext(s.id, t, st, a), a.Performance)
	o.persistAgent(ctx, s.id, a)
}

func (o *Orchestrator) finishTaskLocked(ctx context.Context, s *session, t *task.Task) {
	metrics.RecordTaskFinished(string(t.Status.Status))
	if t.Status.Status == task.StatusCompleted {
		slog.Info("task completed", "session_id", s.id, "task_id", t.ID)
		o.publish(ctx, eventbus.TaskCompleted{Header: o.header(s.id), TaskID: t.ID})
		return
	}

	var failed []string
	for _, st := range t.Subtasks {
		if st.Status == task.StatusFailed {
			failed = append(failed, st.ID)
		}
	}
	slog.Warn("task failed", "session_id", s.id, "task_id", t.ID, "failed_subtasks", failed)
	o.publish(ctx, eventbus.TaskFailed{Header: o.header(s.id), TaskID: t.ID, FailedSubtasks: failed})
}

// TaskStatus returns a copy of the task. Tasks of ended sessions are served
// from the snapshot store when one is configured.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (*task.Task, error) {
	s, err := o.lookupTask(taskID)
	if err == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.tasks[taskID]; ok {
			return t.Clone(), nil
		}
	}
	if o.snapshots != nil {
		return o.snapshots.GetTask(ctx, taskID)
	}
	return nil, domain.Wrap(domain.CodeNotFound, task.ErrTaskNotFound, "task %s", taskID)
}

// Tasks lists the session's tasks, oldest first.
func (o *Orchestrator) Tasks(sessionID string) ([]*task.Task, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *task.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Coordinate builds a fresh coordination plan for the task over the
// session's current agents. It replaces any earlier plan for the task.
func (o *Orchestrator) Coordinate(ctx context.Context, taskID string) (plan *coordination.Plan, err error) {
	s, err := o.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	_, span := telemetry.StartTaskSpan(ctx, "coordinate", s.id, taskID)
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.Wrap(domain.CodeNotFound, task.ErrTaskNotFound, "task %s", taskID)
	}
	return o.coordinateLocked(s, t)
}

func (o *Orchestrator) coordinateLocked(s *session, t *task.Task) (*coordination.Plan, error) {
	plan, err := o.coordinator.Plan(s.registry.All(), t)
	if err != nil {
		return nil, err
	}
	s.plans[t.ID] = plan
	slog.Info("coordination planned", "session_id", s.id, "task_id", t.ID, "plan_id", plan.ID,
		"steps", len(plan.Flow))
	return plan, nil
}

// CoordinationPlan returns the latest plan built for the task.
func (o *Orchestrator) CoordinationPlan(taskID string) (*coordination.Plan, error) {
	s, err := o.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[taskID]
	if !ok {
		return nil, domain.NotFound("no coordination plan for task %s", taskID)
	}
	return plan, nil
}

// Metrics returns the session's health snapshot. It stays readable for the
// monitor's grace period after the session shuts down.
func (o *Orchestrator) Metrics(sessionID string) (*health.Snapshot, error) {
	snap, err := o.monitor.Snapshot(sessionID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeNotFound, ErrSessionNotFound, "no metrics for session %s", sessionID)
	}
	return snap, nil
}
