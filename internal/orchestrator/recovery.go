package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/eventbus"
	"github.com/jedarden/swebench-swarm/internal/metrics"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/telemetry"
)

// Alternative strategies proposed when no replacement agent exists. They
// are never executed automatically.
const (
	StrategyRedistribute = "redistribute_remaining_work"
	StrategySpawnAgent   = "spawn_new_agent"
)

type Reassignment struct {
	OriginalAgent        string   `json:"original_agent"`
	NewAgent             string   `json:"new_agent,omitempty"`
	AffectedSubtasks     []string `json:"affected_subtasks"`
	RequiresRescheduling bool     `json:"requires_rescheduling"`
}

type Impact struct {
	CriticalSubtasks         []string      `json:"critical_subtasks"`
	EstimatedCompletionDelay time.Duration `json:"estimated_completion_delay"`
	Alternatives             []string      `json:"alternatives"`
}

// RecoveryPlan is produced and executed within a single failure-handling
// call. ReplacementAgent is nil when no idle agent shares a capability with
// the failed one.
type RecoveryPlan struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	FailedAgent      string        `json:"failed_agent"`
	ReplacementAgent *agent.Agent  `json:"replacement_agent"`
	Reassignment     Reassignment  `json:"reassignment"`
	EstimatedDelay   time.Duration `json:"estimated_delay"`
	Impact           Impact        `json:"impact"`
	CreatedAt        time.Time     `json:"created_at"`
}

// HandleAgentFailure puts the agent in the error state and recovers the
// subtask it was running.
func (o *Orchestrator) HandleAgentFailure(ctx context.Context, sessionID, agentID string) (plan *RecoveryPlan, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartAgentSpan(ctx, "failure", sessionID, agentID)
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.registry.MarkFailed(agentID)
	if err != nil {
		return nil, err
	}
	slog.Warn("agent failed", "session_id", sessionID, "agent_id", agentID, "subtask_id", before.CurrentSubtask)
	o.publish(ctx, eventbus.AgentFailed{
		Header:    o.header(sessionID),
		AgentID:   agentID,
		SubtaskID: before.CurrentSubtask,
	})
	if failed, err := s.registry.Get(agentID); err == nil {
		o.persistAgent(ctx, sessionID, failed)
	}

	return o.recoverLocked(ctx, s, before), nil
}

// recoverLocked builds and executes the recovery plan for an agent that is
// no longer usable. failed must carry the agent's state from before the
// failure.
func (o *Orchestrator) recoverLocked(ctx context.Context, s *session, failed *agent.Agent) *RecoveryPlan {
	plan := &RecoveryPlan{
		ID:          uuid.New().String(),
		SessionID:   s.id,
		FailedAgent: failed.ID,
		Reassignment: Reassignment{
			OriginalAgent:    failed.ID,
			AffectedSubtasks: []string{},
		},
		Impact: Impact{
			CriticalSubtasks: []string{},
			Alternatives:     []string{},
		},
		CreatedAt: o.now(),
	}

	for _, candidate := range s.registry.ListAvailable("") {
		if candidate.ID != failed.ID && candidate.SharesCapability(failed.Capabilities) {
			plan.ReplacementAgent = candidate
			break
		}
	}

	t, st := s.findSubtask(failed.CurrentSubtask)
	if st != nil && st.Status == task.StatusInProgress && st.AssignedAgent == failed.ID {
		plan.Reassignment.AffectedSubtasks = append(plan.Reassignment.AffectedSubtasks, st.ID)
	} else {
		st = nil
	}

	if plan.ReplacementAgent != nil {
		plan.EstimatedDelay = o.cfg.Recovery.ReplacementDelay
		plan.Reassignment.NewAgent = plan.ReplacementAgent.ID
		if st != nil {
			if err := o.assignLocked(ctx, s, t, st, plan.ReplacementAgent); err != nil {
				slog.Warn("failed to reassign subtask", "subtask_id", st.ID,
					"agent_id", plan.ReplacementAgent.ID, "error", err)
				o.resetSubtask(st)
				plan.Reassignment.RequiresRescheduling = true
			} else if current, err := s.registry.Get(plan.ReplacementAgent.ID); err == nil {
				plan.ReplacementAgent = current
			}
		}
	} else {
		plan.EstimatedDelay = o.cfg.Recovery.NoReplacementDelay
		plan.Impact.Alternatives = []string{StrategyRedistribute, StrategySpawnAgent}
		if st != nil {
			o.resetSubtask(st)
			plan.Reassignment.RequiresRescheduling = true
		}
	}

	if st != nil {
		affected := append([]string{st.ID}, t.Dependents(st.ID)...)
		for _, id := range affected {
			if t.OnCriticalPath(id) {
				plan.Impact.CriticalSubtasks = append(plan.Impact.CriticalSubtasks, id)
			}
		}
		if len(plan.Impact.CriticalSubtasks) > 0 {
			plan.Impact.EstimatedCompletionDelay = plan.EstimatedDelay
			t.EstimatedCompletion = t.EstimatedCompletion.Add(plan.EstimatedDelay)
		}
		t.Recompute(o.now())
		o.persistTask(ctx, t)
	}

	metrics.RecordAgentFailure(plan.ReplacementAgent != nil)
	slog.Info("recovery planned", "session_id", s.id, "failed_agent", failed.ID,
		"replacement_agent", plan.Reassignment.NewAgent, "affected", plan.Reassignment.AffectedSubtasks,
		"estimated_delay", plan.EstimatedDelay)
	o.publish(ctx, eventbus.RecoveryPlanned{
		Header:           o.header(s.id),
		FailedAgent:      failed.ID,
		ReplacementAgent: plan.Reassignment.NewAgent,
		AffectedSubtasks: plan.Reassignment.AffectedSubtasks,
		EstimatedDelay:   plan.EstimatedDelay,
	})
	o.recordRecovery(ctx, plan)
	return plan
}

func (o *Orchestrator) resetSubtask(st *task.Subtask) {
	st.Status = task.StatusPending
	st.AssignedAgent = ""
	st.StartedAt = nil
}

func (o *Orchestrator) recordRecovery(ctx context.Context, plan *RecoveryPlan) {
	if o.history == nil {
		return
	}
	rec := &models.Recovery{
		ID:                   plan.ID,
		SessionID:            plan.SessionID,
		FailedAgent:          plan.FailedAgent,
		ReplacementAgent:     plan.Reassignment.NewAgent,
		AffectedSubtasks:     plan.Reassignment.AffectedSubtasks,
		RequiresRescheduling: plan.Reassignment.RequiresRescheduling,
		EstimatedDelayMs:     int(plan.EstimatedDelay.Milliseconds()),
		Alternatives:         plan.Impact.Alternatives,
		CreatedAt:            plan.CreatedAt,
	}
	if err := o.history.SaveRecovery(ctx, rec); err != nil {
		slog.Warn("failed to record recovery", "recovery_id", plan.ID, "error", err)
	}
}

func (s *session) findSubtask(subtaskID string) (*task.Task, *task.Subtask) {
	if subtaskID == "" {
		return nil, nil
	}
	for _, t := range s.tasks {
		if st := t.Subtask(subtaskID); st != nil {
			return t, st
		}
	}
	return nil, nil
}
