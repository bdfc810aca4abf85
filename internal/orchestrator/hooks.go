package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/flow"
)

// hookQueue runs a session's flow hook calls one at a time, in the order
// they were queued, outside the session lock.
type hookQueue struct {
	mu      sync.Mutex
	pending []func(context.Context)
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newHookQueue() *hookQueue {
	return &hookQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *hookQueue) start(ctx context.Context) {
	go q.loop(ctx)
}

// push queues fn. Calls queued after close are dropped.
func (q *hookQueue) push(fn func(context.Context)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.signal()
}

// close lets the queue drain what it already holds and then exit. It does
// not wait.
func (q *hookQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *hookQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *hookQueue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn(ctx)
		}
		if closed {
			return
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

// queuePreTask and queuePostTask capture everything they need by value, so
// they are safe to call with the session lock held.
func (o *Orchestrator) queuePreTask(s *session, hc flow.HookContext) {
	h := o.hooks
	s.hooks.push(func(ctx context.Context) {
		if err := h.PreTask(ctx, hc); err != nil {
			slog.Warn("pre-task hook failed", "subtask_id", hc.SubtaskID, "agent_id", hc.AgentID, "error", err)
		}
	})
}

func (o *Orchestrator) queuePostTask(s *session, hc flow.HookContext, perf agent.Performance) {
	h := o.hooks
	s.hooks.push(func(ctx context.Context) {
		if err := h.PostTask(ctx, hc); err != nil {
			slog.Warn("post-task hook failed", "subtask_id", hc.SubtaskID, "agent_id", hc.AgentID, "error", err)
		}
		if err := h.Store(ctx, hc.AgentID, "performance", perf); err != nil {
			slog.Warn("failed to store agent performance", "agent_id", hc.AgentID, "error", err)
		}
	})
}
