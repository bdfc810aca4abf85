// Package worker provides the background processor that pulls dispatched
// subtask jobs off the queue, runs the handler registered for their type and
// reports the outcome back to the orchestrator.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jedarden/swebench-swarm/internal/queue"
	"github.com/jedarden/swebench-swarm/internal/task"
)

// Handler executes one job. A returned error is reported as a failed
// subtask; handlers never get a second attempt.
type Handler func(ctx context.Context, job *queue.Job) (*task.Result, error)

type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
}

// Reporter delivers a finished subtask's result on behalf of the agent the
// job was dispatched for.
type Reporter interface {
	ReportCompletion(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) error
}

type ReporterFunc func(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) error

func (f ReporterFunc) ReportCompletion(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) error {
	return f(ctx, taskID, subtaskID, agentID, result)
}

type Worker struct {
	id           string
	source       Source
	reporter     Reporter
	handlers     map[task.SubtaskType]Handler
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(id string, source Source, reporter Reporter) *Worker {
	return &Worker{
		id:           id,
		source:       source,
		reporter:     reporter,
		handlers:     make(map[task.SubtaskType]Handler),
		pollInterval: time.Second,
	}
}

func (w *Worker) RegisterHandler(subtaskType task.SubtaskType, handler Handler) {
	w.handlers[subtaskType] = handler
}

// SetPollInterval sets how long the worker sleeps when the queue is empty.
// Non-positive values are ignored.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Start polls until ctx is cancelled or Stop is called. It blocks.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()
	defer close(done)

	slog.Info("worker started", "worker_id", w.id)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker_id", w.id)
			return
		default:
		}

		job, err := w.source.Dequeue(ctx)
		if err != nil || job == nil {
			if err != nil && ctx.Err() == nil {
				slog.Warn("failed to dequeue job", "worker_id", w.id, "error", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

// Stop cancels the poll loop and waits for the job in flight to be reported.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	log := slog.With("worker_id", w.id, "job_id", job.ID, "task_id", job.TaskID,
		"subtask_id", job.SubtaskID, "type", job.SubtaskType)
	log.Info("processing job")

	start := time.Now()
	result := w.run(ctx, job)
	if result.Success {
		log.Info("job completed", "duration", time.Since(start))
	} else {
		log.Warn("job failed", "duration", time.Since(start), "error", result.Error)
	}

	// The result must reach the orchestrator even when the worker is
	// shutting down, otherwise the agent stays busy.
	reportCtx := context.WithoutCancel(ctx)
	if err := w.reporter.ReportCompletion(reportCtx, job.TaskID, job.SubtaskID, job.AgentID, *result); err != nil {
		log.Error("failed to report job result", "error", err)
	}
}

func (w *Worker) run(ctx context.Context, job *queue.Job) *task.Result {
	handler, ok := w.handlers[job.SubtaskType]
	if !ok {
		return &task.Result{Error: fmt.Sprintf("no handler for subtask type: %s", job.SubtaskType)}
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	result, err := handler(ctx, job)
	if err != nil {
		return &task.Result{Error: err.Error()}
	}
	if result == nil {
		return &task.Result{Error: "handler returned no result"}
	}
	return result
}

func (w *Worker) Handles(subtaskType task.SubtaskType) bool {
	_, ok := w.handlers[subtaskType]
	return ok
}
