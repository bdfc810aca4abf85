package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/swebench-swarm/internal/config"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/solver"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/worker"
)

type fakeSolver struct {
	got solver.Request
	res *solver.Result
	err error
}

func (f *fakeSolver) Solve(_ context.Context, req solver.Request) (*solver.Result, error) {
	f.got = req
	return f.res, f.err
}

type fakeEvaluator struct {
	got solver.Prediction
	ev  *solver.Evaluation
	err error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, p solver.Prediction) (*solver.Evaluation, error) {
	f.got = p
	return f.ev, f.err
}

func testJob(subtaskType task.SubtaskType) *queue.Job {
	return &queue.Job{
		ID:          "job-1",
		TaskID:      "task-1",
		SubtaskID:   "subtask-1",
		SubtaskType: subtaskType,
		Problem: task.Problem{
			ID:          "sympy__sympy-20590",
			Description: "Symbol instances have __dict__",
			Files:       []string{"sympy/core/basic.py", "sympy/core/symbol.py"},
			TestCases:   []string{"test_immutable"},
			Repository:  "sympy/sympy",
			Branch:      "master",
		},
		Timeout: time.Minute,
	}
}

func TestSolve_BuildsRequest(t *testing.T) {
	s := &fakeSolver{res: &solver.Result{Success: true, Patch: "diff", Logs: "done"}}
	job := testJob(task.TypeImplementation)
	job.File = "sympy/core/symbol.py"
	job.PriorPatch = "earlier"

	res, err := Solve(s)(context.Background(), job)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "diff", res.Patch)
	assert.Equal(t, "done", res.Logs)

	assert.Equal(t, "sympy__sympy-20590", s.got.ProblemID)
	assert.Equal(t, "implementation", s.got.SubtaskType)
	assert.Equal(t, []string{"sympy/core/symbol.py"}, s.got.Files)
	assert.Equal(t, "earlier", s.got.PriorPatch)
	assert.Equal(t, "sympy/sympy", s.got.Repository)
	assert.Equal(t, time.Minute, s.got.Timeout)
}

func TestSolve_UsesAllFilesWithoutTarget(t *testing.T) {
	s := &fakeSolver{res: &solver.Result{Success: true}}

	_, err := Solve(s)(context.Background(), testJob(task.TypeTesting))

	require.NoError(t, err)
	assert.Len(t, s.got.Files, 2)
}

func TestSolve_Failures(t *testing.T) {
	tests := []struct {
		name   string
		solver *fakeSolver
		want   string
	}{
		{name: "solver error", solver: &fakeSolver{err: errors.New("exit status 3")}, want: "exit status 3"},
		{name: "reported failure", solver: &fakeSolver{res: &solver.Result{Success: false}}, want: "solver reported failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Solve(tt.solver)(context.Background(), testJob(task.TypeImplementation))

			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.want)
		})
	}
}

func TestReview_ScoresPatch(t *testing.T) {
	e := &fakeEvaluator{ev: &solver.Evaluation{
		Resolved: false,
		Tests:    map[string]bool{"a": true, "b": true, "c": false, "d": true},
	}}
	job := testJob(task.TypeReview)
	job.PriorPatch = "diff --git a/x b/x"

	res, err := Review(e, "swarm")(context.Background(), job)

	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Quality)
	assert.InDelta(t, 75.0, *res.Quality, 0.001)
	assert.Equal(t, false, res.Output["resolved"])
	assert.Equal(t, "diff --git a/x b/x", e.got.Patch)
	assert.Equal(t, "swarm", e.got.Model)
}

func TestReview_ResolvedWithoutTests(t *testing.T) {
	e := &fakeEvaluator{ev: &solver.Evaluation{Resolved: true}}
	job := testJob(task.TypeReview)
	job.PriorPatch = "diff"

	res, err := Review(e, "")(context.Background(), job)

	require.NoError(t, err)
	require.NotNil(t, res.Quality)
	assert.Equal(t, 100.0, *res.Quality)
}

func TestReview_Failures(t *testing.T) {
	t.Run("no patch", func(t *testing.T) {
		res, err := Review(&fakeEvaluator{}, "")(context.Background(), testJob(task.TypeReview))

		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "no patch")
	})

	t.Run("harness error", func(t *testing.T) {
		job := testJob(task.TypeReview)
		job.PriorPatch = "diff"

		res, err := Review(&fakeEvaluator{err: errors.New("docker unavailable")}, "")(context.Background(), job)

		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "docker unavailable")
	})
}

func TestResearch(t *testing.T) {
	res, err := Research()(context.Background(), testJob(task.TypeResearch))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "problem sympy__sympy-20590 in sympy/sympy@master: 2 file(s), 1 test case(s)", res.Logs)
	assert.Equal(t, []string{"test_immutable"}, res.Output["test_cases"])
}

func TestRegister(t *testing.T) {
	w := worker.NewWorker("w1", nil, worker.ReporterFunc(func(context.Context, string, string, string, task.Result) error {
		return nil
	}))

	Register(w, &fakeSolver{}, &fakeEvaluator{}, "swarm")

	for _, typ := range []task.SubtaskType{task.TypeResearch, task.TypeImplementation, task.TypeTesting, task.TypeReview} {
		assert.True(t, w.Handles(typ), string(typ))
	}
}

func TestRegister_WithoutEvaluator(t *testing.T) {
	w := worker.NewWorker("w1", nil, nil)

	Register(w, &fakeSolver{}, nil, "")

	assert.True(t, w.Handles(task.TypeImplementation))
	assert.False(t, w.Handles(task.TypeReview))
}

func TestNewToolchain(t *testing.T) {
	tests := []struct {
		name          string
		cfg           config.SolverConfig
		wantErr       bool
		wantEvaluator bool
	}{
		{
			name:          "solver and evaluator",
			cfg:           config.SolverConfig{Command: []string{"solve"}, EvaluatorCommand: []string{"eval"}, Instances: 2, WorkDir: t.TempDir()},
			wantEvaluator: true,
		},
		{
			name: "solver only",
			cfg:  config.SolverConfig{Command: []string{"solve"}, Instances: 1},
		},
		{
			name:    "missing command",
			cfg:     config.SolverConfig{Instances: 1},
			wantErr: true,
		},
		{
			name:    "no instances",
			cfg:     config.SolverConfig{Command: []string{"solve"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := NewToolchain(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = tc.Close() }()

			assert.NotNil(t, tc.Solver)
			assert.Equal(t, tt.wantEvaluator, tc.Evaluator != nil)

			w := worker.NewWorker("w1", nil, nil)
			tc.Register(w)
			assert.Equal(t, tt.wantEvaluator, w.Handles(task.TypeReview))
		})
	}
}
