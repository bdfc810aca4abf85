package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jedarden/swebench-swarm/internal/metrics"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/queue"
)

const collectInterval = 10 * time.Second

func startMetricsCollector(ctx context.Context, q *queue.Queue, o *orchestrator.Orchestrator) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateGauges(ctx, q, o)
		}
	}
}

func updateGauges(ctx context.Context, q *queue.Queue, o *orchestrator.Orchestrator) {
	metrics.UpdateAgentGauges(o.AgentCounts())

	depth, err := q.Depth(ctx)
	if err != nil {
		slog.Warn("failed to read dispatch queue depth", "error", err)
		return
	}
	metrics.UpdateDispatchQueueDepth(int(depth))
}
