package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/task"
)

type problemFile struct {
	Problems []task.Problem `yaml:"problems"`
}

func loadProblems(path string) ([]task.Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem file: %w", err)
	}
	return parseProblems(data)
}

func parseProblems(data []byte) ([]task.Problem, error) {
	var file problemFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, domain.Wrap(domain.CodeInvalidArgument, err, "parse problem file")
	}
	problems := file.Problems
	if len(problems) == 0 {
		var single task.Problem
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&single); err != nil {
			return nil, domain.Wrap(domain.CodeInvalidArgument, err, "parse problem file")
		}
		problems = []task.Problem{single}
	}

	for i, p := range problems {
		if p.ID == "" {
			return nil, domain.InvalidArgument("problem %d has no id", i+1)
		}
	}
	return problems, nil
}
