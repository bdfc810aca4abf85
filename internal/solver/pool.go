package solver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/metrics"
)

type Instance struct {
	ID      string
	WorkDir string
}

// InstancePool bounds concurrent solver runs. Callers beyond the limit wait
// in FIFO order; there is no timeout here, callers bound the wait with ctx.
type InstancePool struct {
	limit   int64
	baseDir string
	sem     *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Instance
	all    []*Instance
	closed bool
}

// NewInstancePool creates a pool of at most limit instances. Work directories
// are created lazily under baseDir (the OS temp dir when empty).
func NewInstancePool(limit int, baseDir string) (*InstancePool, error) {
	if limit <= 0 {
		return nil, domain.InvalidConfiguration("solver instance limit must be positive, got %d", limit)
	}
	return &InstancePool{
		limit:   int64(limit),
		baseDir: baseDir,
		sem:     semaphore.NewWeighted(int64(limit)),
	}, nil
}

func (p *InstancePool) Acquire(ctx context.Context) (*Instance, error) {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem.Release(1)
		return nil, domain.ResourceExhausted("solver instance pool is closed")
	}

	var inst *Instance
	if n := len(p.idle); n > 0 {
		inst = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		created, err := p.create()
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		inst = created
	}

	metrics.RecordSolverAcquired(time.Since(start))
	return inst, nil
}

func (p *InstancePool) create() (*Instance, error) {
	id := "solver-" + uuid.New().String()[:8]
	dir, err := os.MkdirTemp(p.baseDir, id+"-")
	if err != nil {
		return nil, domain.Internal(err, fmt.Sprintf("create work dir for %s", id))
	}
	inst := &Instance{ID: id, WorkDir: dir}
	p.all = append(p.all, inst)
	slog.Info("solver instance created", "instance_id", id, "total", len(p.all))
	return inst, nil
}

func (p *InstancePool) Release(inst *Instance) {
	p.mu.Lock()
	p.idle = append(p.idle, inst)
	p.mu.Unlock()

	metrics.RecordSolverReleased()
	p.sem.Release(1)
}

// Size is the number of instances created so far.
func (p *InstancePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

func (p *InstancePool) Limit() int {
	return int(p.limit)
}

// Close refuses further acquisitions and removes the instance work
// directories.
func (p *InstancePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for _, inst := range p.all {
		if err := os.RemoveAll(inst.WorkDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
