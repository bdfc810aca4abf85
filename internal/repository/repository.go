// Package repository defines the history store: a durable record of tasks,
// their subtasks, agent performance and failure recoveries that outlives
// the in-memory sessions.
package repository

import (
	"context"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
)

type HistoryRepository interface {
	SaveTask(ctx context.Context, t *task.Task) error
	SaveAgent(ctx context.Context, sessionID string, a *agent.Agent) error
	SaveRecovery(ctx context.Context, rec *models.Recovery) error
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]models.SubtaskRecord, error)
	GetAgentStats(ctx context.Context, sessionID string) ([]models.AgentStats, error)
	GetRecoveries(ctx context.Context, sessionID string, limit int) ([]models.Recovery, error)
	Close() error
}
