package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jedarden/swebench-swarm/internal/config"
)

type rootOptions struct {
	configPath string
	output     string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "swarmctl",
		Short: "Inspect how the swarm would plan a problem",
		Long: `swarmctl runs the dependency and coordination planners locally.

Problem files are YAML, either a single problem or a list under "problems":

  id: django__django-11099
  description: UsernameValidator allows trailing newline
  files: [django/contrib/auth/validators.py]
  difficulty: easy`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q, want json or yaml", opts.output)
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			slog.SetDefault(config.NewLogger(cfg.Log, cmd.ErrOrStderr()))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")

	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newCoordinateCmd(opts))
	return cmd
}

func (o *rootOptions) write(w io.Writer, v any) error {
	if o.output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
