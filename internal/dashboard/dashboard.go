// Package dashboard implements the monitoring endpoints: live swarm stats
// from the orchestrator and task snapshots, and history from the repository.
package dashboard

import (
	"context"
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/httputil"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/repository"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
)

const (
	statsWindowHours = 24
	defaultListLimit = 50
	maxListLimit     = 500
)

type Snapshots interface {
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
	Depth(ctx context.Context) (int64, error)
}

type Swarm interface {
	Sessions() []*orchestrator.SessionInfo
	AgentCounts() map[string]int
}

type Dashboard struct {
	snapshots Snapshots
	swarm     Swarm
	history   repository.HistoryRepository
}

type Stats struct {
	Sessions        int                `json:"sessions"`
	SessionsByState map[string]int     `json:"sessions_by_state"`
	Agents          map[string]int     `json:"agents"`
	TotalTasks      int                `json:"total_tasks"`
	PendingTasks    int                `json:"pending_tasks"`
	InProgressTasks int                `json:"in_progress_tasks"`
	CompletedTasks  int                `json:"completed_tasks"`
	FailedTasks     int                `json:"failed_tasks"`
	TasksByPriority map[string]int     `json:"tasks_by_priority"`
	QueueDepth      int64              `json:"queue_depth"`
	AverageWaitTime string             `json:"average_wait_time"`
	History         []models.TaskStats `json:"history,omitempty"`
	LastUpdated     time.Time          `json:"last_updated"`
}

// NewDashboard builds the dashboard. history may be nil, in which case the
// history endpoints return empty lists.
func NewDashboard(snapshots Snapshots, swarm Swarm, history repository.HistoryRepository) *Dashboard {
	return &Dashboard{snapshots: snapshots, swarm: swarm, history: history}
}

// Routes mounts the dashboard endpoints on r.
func (d *Dashboard) Routes(r chi.Router) {
	r.Get("/stats", d.GetStats)
	r.Get("/history", d.GetRecentTasks)
	r.Get("/history.csv", d.ExportRecentTasks)
	r.Get("/history/{taskID}", d.GetTaskHistory)
	r.Get("/agents", d.GetAgents)
	r.Get("/recoveries", d.GetRecoveries)
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := d.snapshots.GetAllTasks(ctx)
	if err != nil {
		httputil.WriteError(w, domain.Internal(err, "failed to read task snapshots"))
		return
	}

	stats := Stats{
		SessionsByState: make(map[string]int),
		Agents:          d.swarm.AgentCounts(),
		TotalTasks:      len(tasks),
		TasksByPriority: make(map[string]int),
		LastUpdated:     time.Now(),
	}

	for _, s := range d.swarm.Sessions() {
		stats.Sessions++
		stats.SessionsByState[string(s.State)]++
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range tasks {
		switch t.Status.Status {
		case task.StatusPending:
			stats.PendingTasks++
		case task.StatusInProgress:
			stats.InProgressTasks++
		case task.StatusCompleted:
			stats.CompletedTasks++
		case task.StatusFailed:
			stats.FailedTasks++
		}

		stats.TasksByPriority[t.Priority.String()]++

		if t.Status.StartedAt != nil {
			totalWaitTime += t.Status.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	if depth, err := d.snapshots.Depth(ctx); err != nil {
		slog.Warn("failed to read dispatch queue depth", "error", err)
	} else {
		stats.QueueDepth = depth
	}

	if d.history != nil {
		history, err := d.history.GetTaskStats(ctx, statsWindowHours)
		if err != nil {
			slog.Warn("failed to read task history stats", "error", err)
		}
		stats.History = history
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, ok := d.recentTasks(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tasks)
}

// ExportRecentTasks writes the recent task history as CSV.
func (d *Dashboard) ExportRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, ok := d.recentTasks(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="task_history.csv"`)

	writer := csv.NewWriter(w)
	header := []string{"task_id", "session_id", "problem_id", "priority", "status",
		"progress", "created_at", "completed_at", "duration_ms"}
	if err := writer.Write(header); err != nil {
		slog.Error("failed to write CSV header", "error", err)
		return
	}
	for _, t := range tasks {
		var completedAt, durationMs string
		if t.CompletedAt != nil {
			completedAt = t.CompletedAt.Format(time.RFC3339)
		}
		if t.DurationMs != nil {
			durationMs = strconv.Itoa(*t.DurationMs)
		}
		row := []string{
			t.TaskID,
			t.SessionID,
			t.ProblemID,
			t.Priority,
			t.Status,
			strconv.FormatFloat(t.Progress, 'f', 2, 64),
			t.CreatedAt.Format(time.RFC3339),
			completedAt,
			durationMs,
		}
		if err := writer.Write(row); err != nil {
			slog.Error("failed to write CSV row", "task_id", t.TaskID, "error", err)
			return
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		slog.Error("failed to flush CSV", "error", err)
	}
}

func (d *Dashboard) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSON(w, http.StatusOK, []models.SubtaskRecord{})
		return
	}

	taskID := chi.URLParam(r, "taskID")
	records, err := d.history.GetTaskHistory(r.Context(), taskID)
	if err != nil {
		httputil.WriteError(w, domain.Internal(err, "failed to read task history"))
		return
	}
	if len(records) == 0 {
		httputil.WriteError(w, domain.NotFound("no history for task %s", taskID))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

// GetAgents lists recorded agents, best quality first, optionally filtered
// by ?session=.
func (d *Dashboard) GetAgents(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSON(w, http.StatusOK, []models.AgentStats{})
		return
	}

	stats, err := d.history.GetAgentStats(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		httputil.WriteError(w, domain.Internal(err, "failed to read agent history"))
		return
	}
	if stats == nil {
		stats = []models.AgentStats{}
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecoveries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if d.history == nil {
		httputil.WriteJSON(w, http.StatusOK, []models.Recovery{})
		return
	}

	recoveries, err := d.history.GetRecoveries(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		httputil.WriteError(w, domain.Internal(err, "failed to read recoveries"))
		return
	}
	if recoveries == nil {
		recoveries = []models.Recovery{}
	}
	httputil.WriteJSON(w, http.StatusOK, recoveries)
}

func (d *Dashboard) recentTasks(w http.ResponseWriter, r *http.Request) ([]models.RecentTask, bool) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if d.history == nil {
		return []models.RecentTask{}, true
	}

	tasks, err := d.history.GetRecentTasks(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, domain.Internal(err, "failed to read recent tasks"))
		return nil, false
	}
	if tasks == nil {
		tasks = []models.RecentTask{}
	}
	return tasks, true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, domain.InvalidArgument("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}
