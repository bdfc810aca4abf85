// Package mocks provides a call-recording in-memory HistoryRepository.
package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/repository"
	"github.com/jedarden/swebench-swarm/internal/repository/models"
	"github.com/jedarden/swebench-swarm/internal/task"
)

type SaveAgentCall struct {
	SessionID string
	Agent     agent.Agent
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)

type HistoryRepository struct {
	mu                sync.Mutex
	SaveTaskCalls     []string
	SaveAgentCalls    []SaveAgentCall
	SaveRecoveryCalls []models.Recovery
	Closed            bool

	Tasks       map[string]*task.Task
	Agents      map[string]models.AgentStats
	TaskStats   []models.TaskStats
	RecentTasks []models.RecentTask

	SaveTaskError       error
	SaveAgentError      error
	SaveRecoveryError   error
	GetTaskStatsError   error
	GetRecentTasksError error
	GetTaskHistoryError error
	GetAgentStatsError  error
	GetRecoveriesError  error
}

func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{
		Tasks:  make(map[string]*task.Task),
		Agents: make(map[string]models.AgentStats),
	}
}

func (m *HistoryRepository) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, t.ID)
	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = t.Clone()
	return nil
}

func (m *HistoryRepository) SaveAgent(_ context.Context, sessionID string, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveAgentCalls = append(m.SaveAgentCalls, SaveAgentCall{SessionID: sessionID, Agent: *a})
	if m.SaveAgentError != nil {
		return m.SaveAgentError
	}

	m.Agents[a.ID] = models.AgentStats{
		AgentID:        a.ID,
		SessionID:      sessionID,
		Role:           string(a.Role),
		Name:           a.Name,
		Status:         string(a.Status),
		TasksCompleted: a.Performance.TasksCompleted,
		SuccessRate:    a.Performance.SuccessRate,
		QualityScore:   a.Performance.QualityScore,
		AvgDurationMs:  int(a.Performance.AverageDuration.Milliseconds()),
		UpdatedAt:      a.Performance.LastUpdated,
	}
	return nil
}

func (m *HistoryRepository) SaveRecovery(_ context.Context, rec *models.Recovery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveRecoveryError != nil {
		return m.SaveRecoveryError
	}
	m.SaveRecoveryCalls = append(m.SaveRecoveryCalls, *rec)
	return nil
}

func (m *HistoryRepository) GetTaskStats(_ context.Context, _ int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}
	return m.TaskStats, nil
}

func (m *HistoryRepository) GetRecentTasks(_ context.Context, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}
	if limit < len(m.RecentTasks) {
		return m.RecentTasks[:limit], nil
	}
	return m.RecentTasks, nil
}

func (m *HistoryRepository) GetTaskHistory(_ context.Context, taskID string) ([]models.SubtaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskHistoryError != nil {
		return nil, m.GetTaskHistoryError
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, nil
	}

	records := make([]models.SubtaskRecord, 0, len(t.Subtasks))
	for _, st := range t.Subtasks {
		rec := models.SubtaskRecord{
			SubtaskID:   st.ID,
			TaskID:      t.ID,
			Type:        string(st.Type),
			Status:      string(st.Status),
			AgentID:     st.AssignedAgent,
			EstimatedMs: int(st.EstimatedDuration.Milliseconds()),
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		}
		if st.Result != nil {
			rec.Error = st.Result.Error
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *HistoryRepository) GetAgentStats(_ context.Context, sessionID string) ([]models.AgentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetAgentStatsError != nil {
		return nil, m.GetAgentStatsError
	}
	var stats []models.AgentStats
	for _, s := range m.Agents {
		if sessionID == "" || s.SessionID == sessionID {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].QualityScore != stats[j].QualityScore {
			return stats[i].QualityScore > stats[j].QualityScore
		}
		return stats[i].AgentID < stats[j].AgentID
	})
	return stats, nil
}

func (m *HistoryRepository) GetRecoveries(_ context.Context, sessionID string, limit int) ([]models.Recovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecoveriesError != nil {
		return nil, m.GetRecoveriesError
	}
	var out []models.Recovery
	for i := len(m.SaveRecoveryCalls) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.SaveRecoveryCalls[i]
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *HistoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}
