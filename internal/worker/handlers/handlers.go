// Package handlers provides the subtask handlers a worker registers for
// each subtask type.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jedarden/swebench-swarm/internal/config"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/solver"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/worker"
)

// Solve hands implementation and testing jobs to the solver. The patch
// built by earlier implementation subtasks travels along as context.
func Solve(s solver.Solver) worker.Handler {
	return func(ctx context.Context, job *queue.Job) (*task.Result, error) {
		req := solver.Request{
			ProblemID:        job.Problem.ID,
			SubtaskID:        job.SubtaskID,
			SubtaskType:      string(job.SubtaskType),
			ProblemStatement: job.Problem.Description,
			Repository:       job.Problem.Repository,
			Branch:           job.Problem.Branch,
			Files:            jobFiles(job),
			PriorPatch:       job.PriorPatch,
			Timeout:          job.Timeout,
		}

		res, err := s.Solve(ctx, req)
		if err != nil {
			return &task.Result{Error: err.Error()}, nil
		}
		out := &task.Result{
			Success: res.Success,
			Patch:   res.Patch,
			Logs:    res.Logs,
		}
		if !res.Success {
			out.Error = "solver reported failure"
		}
		return out, nil
	}
}

// Review scores the accumulated patch with the evaluation harness. The
// result succeeds whenever the evaluation ran; whether the problem was
// resolved is reported in the output and in the quality score.
func Review(e solver.Evaluator, model string) worker.Handler {
	return func(ctx context.Context, job *queue.Job) (*task.Result, error) {
		if job.PriorPatch == "" {
			return &task.Result{Error: "nothing to review: no patch produced"}, nil
		}

		ev, err := e.Evaluate(ctx, solver.Prediction{
			ProblemID: job.Problem.ID,
			Patch:     job.PriorPatch,
			Model:     model,
		})
		if err != nil {
			return &task.Result{Error: err.Error()}, nil
		}

		quality := evaluationQuality(ev)
		slog.Debug("patch evaluated", "problem_id", job.Problem.ID, "resolved", ev.Resolved, "quality", quality)
		return &task.Result{
			Success: true,
			Quality: &quality,
			Logs:    ev.Logs,
			Output: map[string]any{
				"resolved": ev.Resolved,
				"tests":    ev.Tests,
			},
		}, nil
	}
}

// Research gathers the problem context later subtasks work from. It runs
// in-process and never fails on a well-formed job.
func Research() worker.Handler {
	return func(_ context.Context, job *queue.Job) (*task.Result, error) {
		p := job.Problem
		var summary strings.Builder
		fmt.Fprintf(&summary, "problem %s", p.ID)
		if p.Repository != "" {
			fmt.Fprintf(&summary, " in %s", p.Repository)
			if p.Branch != "" {
				fmt.Fprintf(&summary, "@%s", p.Branch)
			}
		}
		fmt.Fprintf(&summary, ": %d file(s), %d test case(s)", len(p.Files), len(p.TestCases))

		return &task.Result{
			Success: true,
			Logs:    summary.String(),
			Output: map[string]any{
				"files":      p.Files,
				"test_cases": p.TestCases,
				"difficulty": p.Difficulty,
			},
		}, nil
	}
}

// Register installs the standard handler for every subtask type. Review
// jobs are left unhandled when e is nil.
func Register(w *worker.Worker, s solver.Solver, e solver.Evaluator, model string) {
	w.RegisterHandler(task.TypeResearch, Research())
	w.RegisterHandler(task.TypeImplementation, Solve(s))
	w.RegisterHandler(task.TypeTesting, Solve(s))
	if e != nil {
		w.RegisterHandler(task.TypeReview, Review(e, model))
	}
}

// Toolchain is the solver stack shared by every worker in a process. Solver
// runs are bounded by one instance pool.
type Toolchain struct {
	Solver    solver.Solver
	Evaluator solver.Evaluator
	Model     string
	pool      *solver.InstancePool
}

func NewToolchain(cfg config.SolverConfig) (*Toolchain, error) {
	cmd, err := solver.NewCommandSolver(cfg.Command, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	pool, err := solver.NewInstancePool(cfg.Instances, cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	tc := &Toolchain{
		Solver: solver.NewPooledSolver(pool, cmd),
		Model:  cfg.Model,
		pool:   pool,
	}
	if len(cfg.EvaluatorCommand) > 0 {
		tc.Evaluator, err = solver.NewCommandEvaluator(cfg.EvaluatorCommand, cfg.EvaluatorTimeout)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("no evaluator configured, review subtasks will fail")
	}
	return tc, nil
}

func (tc *Toolchain) Register(w *worker.Worker) {
	Register(w, tc.Solver, tc.Evaluator, tc.Model)
}

func (tc *Toolchain) Close() error {
	if tc.pool == nil {
		return nil
	}
	return tc.pool.Close()
}

func jobFiles(job *queue.Job) []string {
	if job.File != "" {
		return []string{job.File}
	}
	return job.Problem.Files
}

func evaluationQuality(ev *solver.Evaluation) float64 {
	if len(ev.Tests) == 0 {
		if ev.Resolved {
			return 100
		}
		return 0
	}
	passed := 0
	for _, ok := range ev.Tests {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(ev.Tests)) * 100
}
