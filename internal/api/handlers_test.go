package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/dashboard"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/health"
	"github.com/jedarden/swebench-swarm/internal/httputil"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/repository/mocks"
	"github.com/jedarden/swebench-swarm/internal/task"
)

func setupTestAPI(t *testing.T) (*API, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(context.Background(), mr.Addr())
	require.NoError(t, err)

	monitor, err := health.NewMonitor(health.Config{GracePeriod: time.Minute})
	require.NoError(t, err)
	t.Cleanup(monitor.Close)

	cfg := orchestrator.DefaultConfig()
	cfg.Registry.MaxAgents = 20
	o := orchestrator.New(cfg, monitor)
	o.SetSamplerFactory(func(string) agent.Sampler { return agent.FixedSampler{CPU: 10, Memory: 10} })
	o.SetDispatcher(q)
	o.SetSnapshotStore(q)
	t.Cleanup(o.Close)

	dash := dashboard.NewDashboard(q, o, mocks.NewHistoryRepository())
	return NewAPI(o, dash), q, mr
}

func do(t *testing.T, api *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code domain.Code) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, code, resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func fullTeam() map[agent.Role]int {
	return map[agent.Role]int{
		agent.RoleResearcher: 1,
		agent.RoleCoder:      2,
		agent.RoleTester:     1,
		agent.RoleReviewer:   1,
	}
}

func createSession(t *testing.T, api *API, agents map[agent.Role]int) *orchestrator.SessionInfo {
	t.Helper()
	w := do(t, api, http.MethodPost, "/api/sessions", orchestrator.SessionConfig{Name: "api-test", Agents: agents})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*orchestrator.SessionInfo](t, w)
}

func submitProblem(t *testing.T, api *API, sessionID string) *task.Task {
	t.Helper()
	w := do(t, api, http.MethodPost, "/api/sessions/"+sessionID+"/problems", SubmitProblemRequest{
		Problem: task.Problem{
			ID:          "django-11099",
			Description: "UsernameValidator allows trailing newline in usernames",
			Files:       []string{"django/contrib/auth/validators.py"},
			Difficulty:  "easy",
		},
		Complexity: task.ComplexityLow,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*task.Task](t, w)
}

func subtaskOfType(tsk *task.Task, typ task.SubtaskType) *task.Subtask {
	for _, st := range tsk.Subtasks {
		if st.Type == typ {
			return st
		}
	}
	return nil
}

func TestHealth(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := do(t, api, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
}

func TestCreateSession(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "api-test", info.Name)
	assert.Equal(t, orchestrator.StateActive, info.State)
	assert.Equal(t, 5, info.Agents)
}

func TestCreateSession_Errors(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	tests := []struct {
		name   string
		body   string
		status int
		code   domain.Code
	}{
		{name: "malformed body", body: "{", status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{name: "unknown role", body: `{"agents":{"wizard":1}}`, status: http.StatusBadRequest, code: domain.CodeInvalidConfiguration},
		{name: "negative count", body: `{"agents":{"coder":-1}}`, status: http.StatusBadRequest, code: domain.CodeInvalidConfiguration},
		{name: "over limit", body: `{"max_agents":2,"agents":{"coder":3}}`, status: http.StatusBadRequest, code: domain.CodeInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			api.ServeHTTP(w, req)
			assertError(t, w, tt.status, tt.code)
		})
	}
}

func TestCreateSession_DefaultMaxAgents(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	api.SetDefaultMaxAgents(2)

	w := do(t, api, http.MethodPost, "/api/sessions", orchestrator.SessionConfig{
		Agents: map[agent.Role]int{agent.RoleCoder: 3},
	})
	assertError(t, w, http.StatusBadRequest, domain.CodeInvalidConfiguration)

	w = do(t, api, http.MethodPost, "/api/sessions", orchestrator.SessionConfig{
		MaxAgents: 5,
		Agents:    map[agent.Role]int{agent.RoleCoder: 3},
	})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateSession_BodyTooLarge(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	body := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	assertError(t, w, http.StatusRequestEntityTooLarge, domain.CodeInvalidArgument)
}

func TestListSessions(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := do(t, api, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*orchestrator.SessionInfo](t, w))

	createSession(t, api, fullTeam())
	createSession(t, api, map[agent.Role]int{agent.RoleCoder: 1})

	w = do(t, api, http.MethodGet, "/api/sessions", nil)
	assert.Len(t, decode[[]*orchestrator.SessionInfo](t, w), 2)
}

func TestGetSession(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)

	w := do(t, api, http.MethodGet, "/api/sessions/"+info.ID, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	detail := decode[SessionDetail](t, w)
	assert.Equal(t, info.ID, detail.ID)
	assert.Equal(t, 1, detail.Tasks)
	assert.Len(t, detail.AgentList, 5)
	require.Len(t, detail.TaskList, 1)
	assert.Equal(t, tsk.ID, detail.TaskList[0].ID)
}

func TestGetSession_NotFound(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := do(t, api, http.MethodGet, "/api/sessions/missing", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestShutdownSession(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())

	w := do(t, api, http.MethodDelete, "/api/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, api, http.MethodDelete, "/api/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, api, http.MethodGet, "/api/sessions/"+info.ID, nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)

	w = do(t, api, http.MethodDelete, "/api/sessions/never-existed", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestSpawnAgent(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, nil)

	w := do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/agents", SpawnAgentRequest{Role: "tester"})

	assert.Equal(t, http.StatusCreated, w.Code)
	spawned := decode[*agent.Agent](t, w)
	assert.Equal(t, agent.RoleTester, spawned.Role)
	assert.Equal(t, agent.StatusIdle, spawned.Status)
	assert.NotEmpty(t, spawned.Capabilities)

	w = do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/agents", SpawnAgentRequest{
		Role:         "coder",
		Capabilities: []string{"rust"},
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"rust"}, decode[*agent.Agent](t, w).Capabilities)
}

func TestSpawnAgent_Errors(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, nil)

	w := do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/agents", SpawnAgentRequest{Role: "wizard"})
	assertError(t, w, http.StatusBadRequest, domain.CodeInvalidArgument)

	w = do(t, api, http.MethodPost, "/api/sessions/missing/agents", SpawnAgentRequest{Role: "coder"})
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestRemoveAgent(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, map[agent.Role]int{agent.RoleCoder: 1})
	w := do(t, api, http.MethodGet, "/api/sessions/"+info.ID, nil)
	detail := decode[SessionDetail](t, w)
	require.Len(t, detail.AgentList, 1)
	agentID := detail.AgentList[0].ID

	w = do(t, api, http.MethodDelete, "/api/sessions/"+info.ID+"/agents/"+agentID, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[RemoveAgentResponse](t, w)
	assert.Equal(t, agentID, resp.Removed)
	assert.Nil(t, resp.Recovery)

	w = do(t, api, http.MethodDelete, "/api/sessions/"+info.ID+"/agents/"+agentID, nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestReportAgentFailure(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)
	research := subtaskOfType(tsk, task.TypeResearch)
	require.NotNil(t, research)
	require.NotEmpty(t, research.AssignedAgent)

	w := do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/agents/"+research.AssignedAgent+"/failure", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	plan := decode[*orchestrator.RecoveryPlan](t, w)
	assert.Equal(t, research.AssignedAgent, plan.FailedAgent)
	assert.Equal(t, []string{research.ID}, plan.Reassignment.AffectedSubtasks)

	w = do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/agents/unknown/failure", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestScale(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())

	w := do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/scale", ScaleRequest{Target: 7, Role: "coder"})
	assert.Equal(t, http.StatusOK, w.Code)
	res := decode[*orchestrator.ScaleResult](t, w)
	require.Len(t, res.Spawned, 2)
	for _, a := range res.Spawned {
		assert.Equal(t, agent.RoleCoder, a.Role)
	}

	w = do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/scale", ScaleRequest{Target: 4})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[*orchestrator.ScaleResult](t, w).Removed, 3)
}

func TestScale_Errors(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())

	tests := []struct {
		name   string
		req    ScaleRequest
		status int
		code   domain.Code
	}{
		{name: "negative target", req: ScaleRequest{Target: -1}, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{name: "over limit", req: ScaleRequest{Target: 21}, status: http.StatusTooManyRequests, code: domain.CodeResourceExhausted},
		{name: "unknown role", req: ScaleRequest{Target: 6, Role: "wizard"}, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, api, http.MethodPost, "/api/sessions/"+info.ID+"/scale", tt.req)
			assertError(t, w, tt.status, tt.code)
		})
	}
}

func TestSubmitProblem(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, info.ID, tsk.SessionID)
	assert.Len(t, tsk.Subtasks, 4)
	assert.Equal(t, task.StatusInProgress, tsk.Status.Status)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, tsk.ID, job.TaskID)
	assert.Equal(t, task.TypeResearch, job.SubtaskType)
}

func TestSubmitProblem_Errors(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := do(t, api, http.MethodPost, "/api/sessions/missing/problems", SubmitProblemRequest{
		Problem: task.Problem{ID: "p", Description: "d"},
	})
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/missing/problems", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidArgument)
}

func TestGetTask(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)

	w := do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tsk.ID, decode[*task.Task](t, w).ID)

	w = do(t, api, http.MethodDelete, "/api/sessions/"+info.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code, "snapshot outlives the session")

	w = do(t, api, http.MethodGet, "/api/tasks/missing", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestCoordination(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)

	w := do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID+"/coordination", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)

	w = do(t, api, http.MethodPost, "/api/tasks/"+tsk.ID+"/coordination", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	plan := decode[*coordination.Plan](t, w)
	assert.Equal(t, tsk.ID, plan.TaskID)
	assert.NotEmpty(t, plan.Flow)

	w = do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID+"/coordination", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, plan.ID, decode[*coordination.Plan](t, w).ID)

	w = do(t, api, http.MethodPost, "/api/tasks/missing/coordination", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestCompleteSubtask(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)
	research := subtaskOfType(tsk, task.TypeResearch)
	require.NotNil(t, research)

	w := do(t, api, http.MethodPost, "/api/tasks/"+tsk.ID+"/subtasks/"+research.ID+"/complete",
		task.Result{Success: true, Logs: "located validator"})

	assert.Equal(t, http.StatusOK, w.Code)
	updated := decode[*task.Task](t, w)
	assert.Equal(t, task.StatusCompleted, subtaskOfType(updated, task.TypeResearch).Status)
	impl := subtaskOfType(updated, task.TypeImplementation)
	assert.Equal(t, task.StatusInProgress, impl.Status)
	assert.NotEmpty(t, impl.AssignedAgent)
	assert.Greater(t, updated.Status.Progress, 0.0)
}

func TestCompleteSubtask_Errors(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)

	w := do(t, api, http.MethodPost, "/api/tasks/missing/subtasks/x/complete", task.Result{Success: true})
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)

	w = do(t, api, http.MethodPost, "/api/tasks/"+tsk.ID+"/subtasks/x/complete", task.Result{Success: true})
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)

	review := subtaskOfType(tsk, task.TypeReview)
	w = do(t, api, http.MethodPost, "/api/tasks/"+tsk.ID+"/subtasks/"+review.ID+"/complete", task.Result{Success: true})
	assertError(t, w, http.StatusConflict, domain.CodeConflict)
}

func TestCompleteSubtask_AgentMismatch(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	tsk := submitProblem(t, api, info.ID)
	research := subtaskOfType(tsk, task.TypeResearch)
	require.NotNil(t, research)
	path := "/api/tasks/" + tsk.ID + "/subtasks/" + research.ID + "/complete"

	w := do(t, api, http.MethodPost, path, CompleteSubtaskRequest{
		AgentID: "coder-999",
		Result:  task.Result{Success: true},
	})
	assertError(t, w, http.StatusConflict, domain.CodeConflict)

	w = do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID, nil)
	assert.Equal(t, task.StatusInProgress, decode[*task.Task](t, w).Subtask(research.ID).Status)

	w = do(t, api, http.MethodPost, path, CompleteSubtaskRequest{
		AgentID: research.AssignedAgent,
		Result:  task.Result{Success: true},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.StatusCompleted, decode[*task.Task](t, w).Subtask(research.ID).Status)
}

func TestSessionMetrics(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())

	w := do(t, api, http.MethodGet, "/api/sessions/"+info.ID+"/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	snap := decode[*health.Snapshot](t, w)
	assert.Equal(t, info.ID, snap.SessionID)
	assert.Equal(t, health.StateMonitoring, snap.State)

	w = do(t, api, http.MethodGet, "/api/sessions/missing/metrics", nil)
	assertError(t, w, http.StatusNotFound, domain.CodeNotFound)
}

func TestDashboardMounted(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	info := createSession(t, api, fullTeam())
	submitProblem(t, api, info.ID)

	w := do(t, api, http.MethodGet, "/api/dashboard/stats", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	stats := decode[dashboard.Stats](t, w)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, 5, stats.Agents["idle"]+stats.Agents["busy"])
}

func TestMetricsEndpoint(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	createSession(t, api, fullTeam())

	w := do(t, api, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestWithoutDashboard(t *testing.T) {
	monitor, err := health.NewMonitor(health.DefaultConfig())
	require.NoError(t, err)
	defer monitor.Close()
	o := orchestrator.New(orchestrator.DefaultConfig(), monitor)
	defer o.Close()

	api := NewAPI(o, nil)
	w := do(t, api, http.MethodGet, "/api/dashboard/stats", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
