package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/task"
)

func TestClientReportCompletion(t *testing.T) {
	api, q, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	srv := httptest.NewServer(api)
	defer srv.Close()

	info := createSession(t, api, map[agent.Role]int{agent.RoleResearcher: 1, agent.RoleCoder: 1})
	tsk := submitProblem(t, api, info.ID)
	research := subtaskOfType(tsk, task.TypeResearch)
	require.NotNil(t, research)

	c := NewClient(srv.URL+"/", time.Second)
	err := c.ReportCompletion(context.Background(), tsk.ID, research.ID, "someone-else", task.Result{Success: true})
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	err = c.ReportCompletion(context.Background(), tsk.ID, research.ID, research.AssignedAgent, task.Result{Success: true})
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/tasks/"+tsk.ID, nil)
	updated := decode[*task.Task](t, w)
	assert.Equal(t, task.StatusCompleted, updated.Subtask(research.ID).Status)

	err = c.ReportCompletion(context.Background(), tsk.ID, research.ID, research.AssignedAgent, task.Result{Success: true})
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	err = c.ReportCompletion(context.Background(), "missing", "x", "", task.Result{Success: true})
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestClientReportCompletion_UnexpectedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks/t1/subtasks/s1/complete", r.URL.Path)
		var body CompleteSubtaskRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a1", body.AgentID)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, 0).ReportCompletion(context.Background(), "t1", "s1", "a1", task.Result{})

	require.Error(t, err)
	assert.Equal(t, domain.CodeExternalToolFailure, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "502")
}

func TestClientReportCompletion_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(url, time.Second).ReportCompletion(context.Background(), "t1", "s1", "", task.Result{})

	assert.Equal(t, domain.CodeExternalToolFailure, domain.CodeOf(err))
}
