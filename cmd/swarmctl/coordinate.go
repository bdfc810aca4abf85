package main

import (
	"github.com/spf13/cobra"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/task"
)

type coordinateOutput struct {
	Task   *task.Task         `json:"task" yaml:"task"`
	Agents []*agent.Agent     `json:"agents" yaml:"agents"`
	Plan   *coordination.Plan `json:"plan" yaml:"plan"`
}

func newCoordinateCmd(opts *rootOptions) *cobra.Command {
	var (
		complexity string
		team       map[string]int
	)

	cmd := &cobra.Command{
		Use:   "coordinate <problem-file>",
		Short: "Build coordination plans for problems over a simulated team",
		Long: `Spawn the given team in a scratch registry, decompose each problem and
print the coordination plan: execution flow, communication links and
resource allocation.`,
		Example: `  swarmctl coordinate problem.yaml --agents researcher=1,coder=2,tester=1,reviewer=1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := loadProblems(args[0])
			if err != nil {
				return err
			}

			cfg := opts.cfg.OrchestratorConfig()
			sc := orchestrator.SessionConfig{Agents: make(map[agent.Role]int, len(team))}
			for role, n := range team {
				sc.Agents[agent.Role(role)] = n
			}
			if err := sc.Validate(cfg.Registry.MaxAgents); err != nil {
				return err
			}

			registry := agent.NewRegistry("swarmctl", cfg.Registry)
			for _, role := range agent.Roles {
				for range sc.Agents[role] {
					if _, err := registry.Spawn(role, nil); err != nil {
						return err
					}
				}
			}

			planner := task.NewPlanner(cfg.Planner)
			coordinator := coordination.NewPlanner(cfg.Coordination)
			out := make([]coordinateOutput, 0, len(problems))
			for _, p := range problems {
				t, err := planner.Decompose(p, task.Complexity(complexity))
				if err != nil {
					return err
				}
				plan, err := coordinator.Plan(registry.All(), t)
				if err != nil {
					return err
				}
				out = append(out, coordinateOutput{Task: t, Agents: registry.All(), Plan: plan})
			}
			return opts.write(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&complexity, "complexity", "", "override complexity: low, medium or high")
	cmd.Flags().StringToIntVar(&team, "agents", map[string]int{
		"researcher": 1,
		"coder":      2,
		"tester":     1,
		"reviewer":   1,
	}, "team as role=count pairs")
	return cmd
}
