package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/api"
	"github.com/jedarden/swebench-swarm/internal/config"
	"github.com/jedarden/swebench-swarm/internal/dashboard"
	"github.com/jedarden/swebench-swarm/internal/eventbus"
	"github.com/jedarden/swebench-swarm/internal/flow"
	"github.com/jedarden/swebench-swarm/internal/health"
	"github.com/jedarden/swebench-swarm/internal/notify"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/repository"
	"github.com/jedarden/swebench-swarm/internal/repository/postgres"
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
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	q, err := queue.NewQueue(ctx, cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("failed to close queue", "error", err)
		}
	}()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	var history repository.HistoryRepository
	if cfg.Postgres.DSN != "" {
		repo, err := postgres.NewHistoryRepository(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				slog.Error("failed to close history repository", "error", err)
			}
		}()
		if cfg.Postgres.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				return err
			}
		}
		history = repo
	}

	emitter := eventbus.NewEmitter(256)
	defer emitter.Close()
	publishers := eventbus.Multi{emitter}
	if cfg.NATS.URL != "" {
		nc, err := eventbus.ConnectNATS(ctx, cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Close(); err != nil {
				slog.Error("failed to close nats connection", "error", err)
			}
		}()
		publishers = append(publishers, nc)
	}

	monitor, err := health.NewMonitor(cfg.HealthConfig())
	if err != nil {
		return err
	}
	defer monitor.Close()

	o := orchestrator.New(cfg.OrchestratorConfig(), monitor)
	defer o.Close()
	o.SetDispatcher(q)
	o.SetSnapshotStore(q)
	o.SetPublisher(publishers)
	if history != nil {
		o.SetHistory(history)
	}
	if cfg.Flow.Enabled {
		o.SetHooks(flow.NewCLI(cfg.Flow.Command, cfg.Flow.Timeout))
	}
	if seed := cfg.Registry.SamplerSeed; seed != 0 {
		o.SetSamplerFactory(func(string) agent.Sampler { return agent.NewSimulatedSampler(seed) })
	}

	var notifier *notify.EmailNotifier
	if cfg.Alerts.SendGridAPIKey != "" {
		notifier, err = notify.NewEmailNotifier(notify.EmailConfig{
			APIKey:      cfg.Alerts.SendGridAPIKey,
			FromName:    cfg.Alerts.FromName,
			FromAddress: cfg.Alerts.FromAddress,
			To:          cfg.Alerts.To,
			MinSeverity: health.Level(cfg.Alerts.MinSeverity),
		})
		if err != nil {
			return err
		}
	}

	dash := dashboard.NewDashboard(q, o, history)
	apiHandler := api.NewAPI(o, dash)
	apiHandler.SetDefaultMaxAgents(cfg.Server.DefaultMaxAgents)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		notify.Forward(gctx, monitor.Alerts(), notifier)
		return nil
	})
	g.Go(func() error {
		logEvents(gctx, emitter.Events())
		return nil
	})
	g.Go(func() error {
		startMetricsCollector(gctx, q, o)
		return nil
	})

	workers, err := startWorkers(gctx, g, cfg, q, o)
	if err != nil {
		return err
	}
	defer func() {
		if err := workers.Close(); err != nil {
			slog.Error("failed to release solver instances", "error", err)
		}
	}()

	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// logEvents drains the in-process event channel into the debug log.
func logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			slog.Debug("event", "type", e.EventType(), "session_id", e.Session())
		}
	}
}
