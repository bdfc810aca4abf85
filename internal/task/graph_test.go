package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

func st(id string, d time.Duration, deps ...string) *Subtask {
	if deps == nil {
		deps = []string{}
	}
	return &Subtask{ID: id, Status: StatusPending, EstimatedDuration: d, Dependencies: deps}
}

func TestBuildGraph(t *testing.T) {
	g := BuildGraph([]*Subtask{
		st("A", time.Minute),
		st("B", time.Minute, "A"),
		st("C", time.Minute, "A", "B"),
	})

	assert.Equal(t, []string{"A", "B", "C"}, g.Nodes)
	assert.Equal(t, []Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "C"}}, g.Edges)
	assert.NoError(t, g.Validate())
}

func TestValidateUnknownDependency(t *testing.T) {
	g := BuildGraph([]*Subtask{st("A", time.Minute, "ghost")})

	err := g.Validate()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))
}

func TestValidateCycles(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []*Subtask
	}{
		{
			name:     "self loop",
			subtasks: []*Subtask{st("A", time.Minute, "A")},
		},
		{
			name:     "two nodes",
			subtasks: []*Subtask{st("A", time.Minute, "B"), st("B", time.Minute, "A")},
		},
		{
			name: "three nodes",
			subtasks: []*Subtask{
				st("A", time.Minute, "C"),
				st("B", time.Minute, "A"),
				st("C", time.Minute, "B"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := BuildGraph(tt.subtasks).Validate()

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCycleDetected))
			assert.Equal(t, domain.CodeDependencyCycle, domain.CodeOf(err))
		})
	}
}

func TestValidateDiamond(t *testing.T) {
	g := BuildGraph([]*Subtask{
		st("A", time.Minute),
		st("B", time.Minute, "A"),
		st("C", time.Minute, "A"),
		st("D", time.Minute, "B", "C"),
	})

	assert.NoError(t, g.Validate())
}

func TestCriticalPath(t *testing.T) {
	subtasks := []*Subtask{
		st("A", 2*time.Minute),
		st("B", 10*time.Minute, "A"),
		st("C", 3*time.Minute, "A"),
		st("D", time.Minute, "B", "C"),
	}

	length, path := CriticalPath(subtasks)

	assert.Equal(t, 13*time.Minute, length)
	assert.Equal(t, []string{"A", "B", "D"}, path)
}

func TestCriticalPathIndependentNodes(t *testing.T) {
	length, path := CriticalPath([]*Subtask{
		st("A", time.Minute),
		st("B", 4*time.Minute),
	})

	assert.Equal(t, 4*time.Minute, length)
	assert.Equal(t, []string{"B"}, path)
}

func TestCriticalPathEmpty(t *testing.T) {
	length, path := CriticalPath(nil)

	assert.Zero(t, length)
	assert.Nil(t, path)
}
