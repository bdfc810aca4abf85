package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter delivers events over a buffered channel. When the buffer stays
// full past the send timeout the event is dropped and counted.
type Emitter struct {
	events       chan Event
	sendTimeout  time.Duration
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events:      make(chan Event, bufferSize),
		sendTimeout: 100 * time.Millisecond,
	}
}

func (e *Emitter) Publish(_ context.Context, ev Event) error {
	e.Emit(ev)
	return nil
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()
	select {
	case e.events <- ev:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			slog.Warn("event channel full, dropping event", "dropped", count, "type", ev.EventType())
		}
	}
}

func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Emits after Close are discarded.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
