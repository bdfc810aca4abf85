package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jedarden/swebench-swarm/internal/api"
	"github.com/jedarden/swebench-swarm/internal/config"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/worker"
	"github.com/jedarden/swebench-swarm/internal/worker/handlers"
)

func main() {
	configPath := flag.String("config", os.Getenv("SWARM_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Log, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Worker.ServerURL == "" {
		return fmt.Errorf("worker.server_url is required")
	}

	q, err := queue.NewQueue(ctx, cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("failed to close worker queue", "error", err)
		}
	}()

	tc, err := handlers.NewToolchain(cfg.Solver)
	if err != nil {
		return err
	}
	defer func() {
		if err := tc.Close(); err != nil {
			slog.Error("failed to release solver instances", "error", err)
		}
	}()

	reporter := api.NewClient(cfg.Worker.ServerURL, 30*time.Second)

	prefix := os.Getenv("WORKER_ID")
	if prefix == "" {
		prefix = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	var wg sync.WaitGroup
	for i := range max(cfg.Worker.Count, 1) {
		w := worker.NewWorker(fmt.Sprintf("%s-%d", prefix, i+1), q, reporter)
		w.SetPollInterval(cfg.Worker.PollInterval)
		tc.Register(w)
		wg.Go(func() { w.Start(ctx) })
	}
	slog.Info("workers started", "count", max(cfg.Worker.Count, 1), "server_url", cfg.Worker.ServerURL)

	<-ctx.Done()
	slog.Info("shutting down workers")
	wg.Wait()
	return nil
}
