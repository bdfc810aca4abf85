package solver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

// Prediction is the patch submitted for evaluation, keyed by problem.
type Prediction struct {
	ProblemID string `json:"instance_id"`
	Patch     string `json:"model_patch"`
	Model     string `json:"model_name_or_path,omitempty"`
}

// Evaluation is whatever the harness reports; it is recorded, never
// second-guessed.
type Evaluation struct {
	ProblemID string          `json:"instance_id"`
	Resolved  bool            `json:"resolved"`
	Tests     map[string]bool `json:"tests,omitempty"`
	Logs      string          `json:"logs,omitempty"`
}

type Evaluator interface {
	Evaluate(ctx context.Context, p Prediction) (*Evaluation, error)
}

// CommandEvaluator runs the evaluation harness with the prediction as JSON
// on stdin and expects an Evaluation as JSON on stdout.
type CommandEvaluator struct {
	command []string
	timeout time.Duration
}

func NewCommandEvaluator(command []string, timeout time.Duration) (*CommandEvaluator, error) {
	if len(command) == 0 {
		return nil, domain.InvalidConfiguration("evaluator command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CommandEvaluator{command: command, timeout: timeout}, nil
}

func (e *CommandEvaluator) Evaluate(ctx context.Context, p Prediction) (*Evaluation, error) {
	input, err := json.Marshal(p)
	if err != nil {
		return nil, domain.Internal(err, "encode prediction")
	}

	out, err := runCommand(ctx, e.timeout, e.command, "", input)
	if err != nil {
		return nil, domain.ExternalToolFailure(err, "evaluation failed for %s", p.ProblemID)
	}

	var ev Evaluation
	if err := json.Unmarshal(out, &ev); err != nil {
		return nil, domain.ExternalToolFailure(err, "evaluation returned unreadable output for %s", p.ProblemID)
	}
	if ev.ProblemID == "" {
		ev.ProblemID = p.ProblemID
	}
	return &ev, nil
}

// ResolveRate is the percentage of evaluations that resolved their problem.
func ResolveRate(evals []*Evaluation) float64 {
	if len(evals) == 0 {
		return 0
	}
	resolved := 0
	for _, ev := range evals {
		if ev.Resolved {
			resolved++
		}
	}
	return float64(resolved) / float64(len(evals)) * 100
}
