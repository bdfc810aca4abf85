package main

import (
	"github.com/spf13/cobra"

	"github.com/jedarden/swebench-swarm/internal/task"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var complexity string

	cmd := &cobra.Command{
		Use:   "plan <problem-file>",
		Short: "Decompose problems into subtask graphs",
		Long: `Decompose every problem in the file into research, implementation,
testing and review subtasks, and print the resulting tasks with their
critical paths. Complexity defaults to the one implied by each problem's
difficulty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := loadProblems(args[0])
			if err != nil {
				return err
			}

			planner := task.NewPlanner(opts.cfg.OrchestratorConfig().Planner)
			tasks := make([]*task.Task, 0, len(problems))
			for _, p := range problems {
				t, err := planner.Decompose(p, task.Complexity(complexity))
				if err != nil {
					return err
				}
				tasks = append(tasks, t)
			}
			return opts.write(cmd.OutOrStdout(), tasks)
		},
	}

	cmd.Flags().StringVar(&complexity, "complexity", "", "override complexity: low, medium or high")
	return cmd
}
