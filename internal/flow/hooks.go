// Package flow integrates the optional external coordination tool. When the
// integration is disabled the orchestrator gets Nop, never a nil check.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

// HookContext identifies the agent and work item a hook call is about.
type HookContext struct {
	SessionID   string
	TaskID      string
	SubtaskID   string
	AgentID     string
	AgentRole   string
	Description string
}

type Hooks interface {
	PreTask(ctx context.Context, hc HookContext) error
	PostTask(ctx context.Context, hc HookContext) error
	Store(ctx context.Context, agentID, key string, value any) error
}

type Nop struct{}

func (Nop) PreTask(context.Context, HookContext) error       { return nil }
func (Nop) PostTask(context.Context, HookContext) error      { return nil }
func (Nop) Store(context.Context, string, string, any) error { return nil }

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// CLI calls the coordination tool's command line, e.g.
// `npx claude-flow@alpha hooks pre-task --description ... --json`.
type CLI struct {
	command []string
	timeout time.Duration
	run     Runner
}

func NewCLI(command []string, timeout time.Duration) *CLI {
	if len(command) == 0 {
		command = []string{"npx", "claude-flow@alpha"}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CLI{command: command, timeout: timeout, run: execRunner}
}

func (c *CLI) SetRunner(r Runner) {
	c.run = r
}

func (c *CLI) PreTask(ctx context.Context, hc HookContext) error {
	return c.hook(ctx, "pre-task", hc)
}

func (c *CLI) PostTask(ctx context.Context, hc HookContext) error {
	return c.hook(ctx, "post-task", hc)
}

func (c *CLI) Store(ctx context.Context, agentID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return domain.InvalidArgument("memory value for %s is not serializable: %v", key, err)
	}
	_, err = c.invoke(ctx, "memory", "store",
		"--key", fmt.Sprintf("agent/%s/%s", agentID, key),
		"--value", string(data),
		"--json")
	return err
}

func (c *CLI) hook(ctx context.Context, hookType string, hc HookContext) error {
	out, err := c.invoke(ctx, "hooks", hookType,
		"--description", hc.Description,
		"--agent-id", hc.AgentID,
		"--agent-type", hc.AgentRole,
		"--task-id", hc.SubtaskID,
		"--json")
	if err != nil {
		return err
	}
	slog.Debug("coordination hook executed", "hook", hookType, "agent_id", hc.AgentID, "output_bytes", len(out))
	return nil
}

func (c *CLI) invoke(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	full := append(append([]string{}, c.command[1:]...), args...)
	out, err := c.run(ctx, c.command[0], full...)
	if err != nil {
		return nil, domain.ExternalToolFailure(err, "%s %s failed", args[0], args[1])
	}
	return out, nil
}
