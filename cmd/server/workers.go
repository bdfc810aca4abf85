package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jedarden/swebench-swarm/internal/config"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/task"
	"github.com/jedarden/swebench-swarm/internal/worker"
	"github.com/jedarden/swebench-swarm/internal/worker/handlers"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// startWorkers runs the in-process dispatch workers on g. Without a solver
// command no workers start and assigned subtasks wait for external workers.
func startWorkers(ctx context.Context, g *errgroup.Group, cfg *config.Config, q *queue.Queue, o *orchestrator.Orchestrator) (io.Closer, error) {
	if len(cfg.Solver.Command) == 0 || cfg.Worker.Count == 0 {
		slog.Info("in-process workers disabled")
		return nopCloser{}, nil
	}

	tc, err := handlers.NewToolchain(cfg.Solver)
	if err != nil {
		return nil, err
	}

	report := worker.ReporterFunc(func(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) error {
		_, err := o.OnSubtaskCompleted(ctx, taskID, subtaskID, agentID, result)
		return err
	})

	for i := range cfg.Worker.Count {
		w := worker.NewWorker(fmt.Sprintf("inproc-%d", i+1), q, report)
		w.SetPollInterval(cfg.Worker.PollInterval)
		tc.Register(w)
		g.Go(func() error {
			w.Start(ctx)
			return nil
		})
	}
	slog.Info("in-process workers started", "count", cfg.Worker.Count, "solver_instances", cfg.Solver.Instances)
	return tc, nil
}
