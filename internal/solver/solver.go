// Package solver wraps the out-of-process collaborators: the code-generation
// solver invoked per implementation or testing subtask, and the evaluation
// harness that scores a patch. Concurrency against the solver is bounded by
// an InstancePool.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

// Request is the prepared context handed to the solver.
type Request struct {
	ProblemID        string        `json:"problem_id"`
	SubtaskID        string        `json:"subtask_id"`
	SubtaskType      string        `json:"subtask_type"`
	ProblemStatement string        `json:"problem_statement"`
	Repository       string        `json:"repository,omitempty"`
	Branch           string        `json:"branch,omitempty"`
	Files            []string      `json:"files,omitempty"`
	PriorPatch       string        `json:"prior_patch,omitempty"`
	WorkDir          string        `json:"work_dir,omitempty"`
	Timeout          time.Duration `json:"-"`
}

type Result struct {
	Success bool   `json:"success"`
	Patch   string `json:"patch,omitempty"`
	Logs    string `json:"logs,omitempty"`
}

type Solver interface {
	Solve(ctx context.Context, req Request) (*Result, error)
}

// CommandSolver runs an external CLI, writes the request as JSON to its
// stdin and reads a Result as JSON from its stdout. A non-zero exit, a
// timeout or unreadable output is an ExternalToolFailure.
type CommandSolver struct {
	command        []string
	defaultTimeout time.Duration
}

func NewCommandSolver(command []string, defaultTimeout time.Duration) (*CommandSolver, error) {
	if len(command) == 0 {
		return nil, domain.InvalidConfiguration("solver command is empty")
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &CommandSolver{command: command, defaultTimeout: defaultTimeout}, nil
}

func (s *CommandSolver) Solve(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Internal(err, "encode solver request")
	}

	start := time.Now()
	out, err := runCommand(ctx, timeout, s.command, req.WorkDir, input)
	if err != nil {
		return nil, domain.ExternalToolFailure(err, "solver failed for subtask %s", req.SubtaskID)
	}

	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, domain.ExternalToolFailure(err, "solver returned unreadable output for subtask %s", req.SubtaskID)
	}
	slog.Info("solver finished", "problem_id", req.ProblemID, "subtask_id", req.SubtaskID,
		"success", res.Success, "duration", time.Since(start))
	return &res, nil
}

func runCommand(ctx context.Context, timeout time.Duration, command []string, dir string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// PooledSolver holds a pool instance for the duration of each Solve call.
type PooledSolver struct {
	pool  *InstancePool
	inner Solver
}

func NewPooledSolver(pool *InstancePool, inner Solver) *PooledSolver {
	return &PooledSolver{pool: pool, inner: inner}
}

func (p *PooledSolver) Solve(ctx context.Context, req Request) (*Result, error) {
	inst, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(inst)

	if req.WorkDir == "" {
		req.WorkDir = inst.WorkDir
	}
	return p.inner.Solve(ctx, req)
}
