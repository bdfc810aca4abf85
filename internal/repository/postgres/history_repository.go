// Package postgres provides the PostgreSQL-backed history repository.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/repository"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
)

//go:embed schema.sql
var schema string

var _ repository.HistoryRepository = (*HistoryRepository)(nil)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(connectionString string) (*HistoryRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &HistoryRepository{db: db}, nil
}

// NewHistoryRepositoryFromDB wraps an already opened database.
func NewHistoryRepositoryFromDB(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Migrate creates the history tables when they do not exist yet.
func (r *HistoryRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveTask upserts the task row and every subtask row in one transaction.
func (r *HistoryRepository) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("failed to roll back task history", "task_id", t.ID, "error", err)
		}
	}()

	taskQuery := `
		INSERT INTO task_history (
			task_id, session_id, problem_id, priority, status,
			progress, created_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`
	_, err = tx.ExecContext(ctx, taskQuery,
		t.ID,
		t.SessionID,
		t.Problem.ID,
		t.Priority.String(),
		string(t.Status.Status),
		t.Status.Progress,
		t.CreatedAt,
		nullTime(t.Status.EndedAt),
		taskDurationMs(t),
	)
	if err != nil {
		return err
	}

	subtaskQuery := `
		INSERT INTO subtask_history (
			subtask_id, task_id, position, type, status,
			agent_id, estimated_ms, started_at, completed_at, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subtask_id) DO UPDATE SET
			status = EXCLUDED.status,
			agent_id = EXCLUDED.agent_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error
	`
	for i, st := range t.Subtasks {
		var msgErr string
		if st.Result != nil {
			msgErr = st.Result.Error
		}
		_, err = tx.ExecContext(ctx, subtaskQuery,
			st.ID,
			t.ID,
			i,
			string(st.Type),
			string(st.Status),
			nullString(st.AssignedAgent),
			int(st.EstimatedDuration.Milliseconds()),
			nullTime(st.StartedAt),
			nullTime(st.CompletedAt),
			nullString(msgErr),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *HistoryRepository) SaveAgent(ctx context.Context, sessionID string, a *agent.Agent) error {
	query := `
		INSERT INTO agent_history (
			agent_id, session_id, role, name, status, tasks_completed,
			success_rate, quality_score, avg_duration_ms, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			status = EXCLUDED.status,
			tasks_completed = EXCLUDED.tasks_completed,
			success_rate = EXCLUDED.success_rate,
			quality_score = EXCLUDED.quality_score,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		sessionID,
		string(a.Role),
		a.Name,
		string(a.Status),
		a.Performance.TasksCompleted,
		a.Performance.SuccessRate,
		a.Performance.QualityScore,
		int(a.Performance.AverageDuration.Milliseconds()),
	)
	return err
}

func (r *HistoryRepository) SaveRecovery(ctx context.Context, rec *models.Recovery) error {
	query := `
		INSERT INTO recovery_log (
			recovery_id, session_id, failed_agent, replacement_agent,
			affected_subtasks, requires_rescheduling, estimated_delay_ms,
			alternatives, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.FailedAgent,
		nullString(rec.ReplacementAgent),
		pq.Array(rec.AffectedSubtasks),
		rec.RequiresRescheduling,
		rec.EstimatedDelayMs,
		pq.Array(rec.Alternatives),
		rec.CreatedAt,
	)
	return err
}

func (r *HistoryRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			priority, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms,
			COALESCE(AVG(progress), 0) as avg_progress
		FROM task_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY priority, status
		ORDER BY priority, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Priority,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
			&s.AvgProgress,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *HistoryRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, session_id, problem_id, priority, status,
			progress, created_at, completed_at, duration_ms
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var tasks []models.RecentTask
	for rows.Next() {
		var t models.RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.SessionID,
			&t.ProblemID,
			&t.Priority,
			&t.Status,
			&t.Progress,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// GetTaskHistory returns the recorded subtasks of a task in plan order.
func (r *HistoryRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.SubtaskRecord, error) {
	query := `
		SELECT
			subtask_id, task_id, type, status, agent_id,
			estimated_ms, started_at, completed_at, error
		FROM subtask_history
		WHERE task_id = $1
		ORDER BY position ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var history []models.SubtaskRecord
	for rows.Next() {
		var rec models.SubtaskRecord
		var agentID, msgErr sql.NullString
		if err := rows.Scan(
			&rec.SubtaskID,
			&rec.TaskID,
			&rec.Type,
			&rec.Status,
			&agentID,
			&rec.EstimatedMs,
			&rec.StartedAt,
			&rec.CompletedAt,
			&msgErr,
		); err != nil {
			return nil, err
		}
		rec.AgentID = agentID.String
		rec.Error = msgErr.String

		history = append(history, rec)
	}

	return history, rows.Err()
}

// GetAgentStats lists recorded agents, best quality first. An empty
// sessionID returns agents of every session.
func (r *HistoryRepository) GetAgentStats(ctx context.Context, sessionID string) ([]models.AgentStats, error) {
	query := `
		SELECT
			agent_id, session_id, role, name, status, tasks_completed,
			success_rate, quality_score, avg_duration_ms, updated_at
		FROM agent_history
		WHERE $1 = '' OR session_id = $1
		ORDER BY quality_score DESC, agent_id
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var stats []models.AgentStats
	for rows.Next() {
		var s models.AgentStats
		if err := rows.Scan(
			&s.AgentID,
			&s.SessionID,
			&s.Role,
			&s.Name,
			&s.Status,
			&s.TasksCompleted,
			&s.SuccessRate,
			&s.QualityScore,
			&s.AvgDurationMs,
			&s.UpdatedAt,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *HistoryRepository) GetRecoveries(ctx context.Context, sessionID string, limit int) ([]models.Recovery, error) {
	query := `
		SELECT
			recovery_id, session_id, failed_agent, replacement_agent,
			affected_subtasks, requires_rescheduling, estimated_delay_ms,
			alternatives, created_at
		FROM recovery_log
		WHERE $1 = '' OR session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var recoveries []models.Recovery
	for rows.Next() {
		var rec models.Recovery
		var replacement sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.FailedAgent,
			&replacement,
			pq.Array(&rec.AffectedSubtasks),
			&rec.RequiresRescheduling,
			&rec.EstimatedDelayMs,
			pq.Array(&rec.Alternatives),
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ReplacementAgent = replacement.String

		recoveries = append(recoveries, rec)
	}

	return recoveries, rows.Err()
}

func (r *HistoryRepository) DB() *sql.DB {
	return r.db
}

func (r *HistoryRepository) Close() error {
	return r.db.Close()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func taskDurationMs(t *task.Task) any {
	if t.Status.StartedAt == nil || t.Status.EndedAt == nil {
		return nil
	}
	return int(t.Status.EndedAt.Sub(*t.Status.StartedAt).Milliseconds())
}
