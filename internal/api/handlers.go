// Package api exposes the orchestrator over HTTP. Every failure is written
// as {"error": message, "code": code} with the status matching the code.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/dashboard"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/httputil"
	"github.com/jedarden/swebench-swarm/internal/middleware"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/task"
)

const maxBodyBytes = 1 << 20

type API struct {
	orch             *orchestrator.Orchestrator
	router           chi.Router
	defaultMaxAgents int
}

type SpawnAgentRequest struct {
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type ScaleRequest struct {
	Target int    `json:"target"`
	Role   string `json:"role,omitempty"`
}

type SubmitProblemRequest struct {
	Problem    task.Problem    `json:"problem"`
	Complexity task.Complexity `json:"complexity"`
}

// CompleteSubtaskRequest is a subtask result plus the agent reporting it.
// An empty AgentID skips the assignee check.
type CompleteSubtaskRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	task.Result
}

type SessionDetail struct {
	*orchestrator.SessionInfo
	AgentList []*agent.Agent `json:"agent_list"`
	TaskList  []*task.Task   `json:"task_list"`
}

type RemoveAgentResponse struct {
	Removed  string                     `json:"removed"`
	Recovery *orchestrator.RecoveryPlan `json:"recovery"`
}

// NewAPI builds the router. dash may be nil to leave the dashboard
// endpoints unmounted.
func NewAPI(o *orchestrator.Orchestrator, dash *dashboard.Dashboard) *API {
	api := &API{
		orch:   o,
		router: chi.NewRouter(),
	}

	api.setupRoutes(dash)
	return api
}

// SetDefaultMaxAgents caps sessions created without their own max_agents.
func (a *API) SetDefaultMaxAgents(n int) {
	a.defaultMaxAgents = n
}

func (a *API) setupRoutes(dash *dashboard.Dashboard) {
	r := a.router
	r.Use(middleware.MetricsMiddleware)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Get("/", a.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Delete("/", a.shutdownSession)
			r.Post("/agents", a.spawnAgent)
			r.Delete("/agents/{agentID}", a.removeAgent)
			r.Post("/agents/{agentID}/failure", a.reportAgentFailure)
			r.Post("/scale", a.scale)
			r.Post("/problems", a.submitProblem)
			r.Get("/metrics", a.sessionMetrics)
		})
	})

	r.Route("/api/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", a.getTask)
		r.Post("/coordination", a.coordinate)
		r.Get("/coordination", a.getCoordination)
		r.Post("/subtasks/{subtaskID}/complete", a.completeSubtask)
	})

	if dash != nil {
		r.Route("/api/dashboard", dash.Routes)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(a.orch.Sessions()),
	})
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readJSON[orchestrator.SessionConfig](w, r)
	if !ok {
		return
	}
	if cfg.MaxAgents == 0 {
		cfg.MaxAgents = a.defaultMaxAgents
	}

	info, err := a.orch.InitializeSession(r.Context(), cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

func (a *API) listSessions(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.orch.Sessions())
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := a.orch.Session(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	agents, err := a.orch.Agents(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tasks, err := a.orch.Tasks(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SessionDetail{SessionInfo: info, AgentList: agents, TaskList: tasks})
}

func (a *API) shutdownSession(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.ShutdownSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) spawnAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[SpawnAgentRequest](w, r)
	if !ok {
		return
	}
	role, err := agent.ParseRole(req.Role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	spawned, err := a.orch.SpawnAgent(r.Context(), chi.URLParam(r, "id"), role, req.Capabilities)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, spawned)
}

func (a *API) removeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	plan, err := a.orch.RemoveAgent(r.Context(), chi.URLParam(r, "id"), agentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RemoveAgentResponse{Removed: agentID, Recovery: plan})
}

func (a *API) reportAgentFailure(w http.ResponseWriter, r *http.Request) {
	plan, err := a.orch.HandleAgentFailure(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, plan)
}

func (a *API) scale(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ScaleRequest](w, r)
	if !ok {
		return
	}

	res, err := a.orch.Scale(r.Context(), chi.URLParam(r, "id"), req.Target, agent.Role(req.Role))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (a *API) submitProblem(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[SubmitProblemRequest](w, r)
	if !ok {
		return
	}
	t, err := a.orch.SubmitProblem(r.Context(), chi.URLParam(r, "id"), req.Problem, req.Complexity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) sessionMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.orch.Metrics(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.orch.TaskStatus(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) coordinate(w http.ResponseWriter, r *http.Request) {
	plan, err := a.orch.Coordinate(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, plan)
}

func (a *API) getCoordination(w http.ResponseWriter, r *http.Request) {
	plan, err := a.orch.CoordinationPlan(chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, plan)
}

func (a *API) completeSubtask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[CompleteSubtaskRequest](w, r)
	if !ok {
		return
	}

	t, err := a.orch.OnSubtaskCompleted(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "subtaskID"), req.AgentID, req.Result)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

// readJSON decodes a JSON request body with a size limit, writing the
// error response itself when decoding fails.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSONError(w, "request body too large", domain.CodeInvalidArgument, http.StatusRequestEntityTooLarge)
		} else {
			httputil.WriteJSONError(w, "invalid request body", domain.CodeInvalidArgument, http.StatusBadRequest)
		}
		return v, false
	}
	return v, true
}
