package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("session-1", DefaultConfig())
	r.SetSampler(FixedSampler{CPU: 10, Memory: 10})
	return r
}

func spawnWithQuality(t *testing.T, r *Registry, role Role, quality float64) *Agent {
	t.Helper()
	a, err := r.Spawn(role, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(a.ID, "warmup"))
	require.NoError(t, r.Complete(a.ID, Completion{SubtaskID: "warmup", Success: true, Duration: time.Minute, Quality: &quality}))
	return a
}

func TestSpawn(t *testing.T) {
	r := setupTestRegistry(t)

	a, err := r.Spawn(RoleCoder, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, RoleCoder, a.Role)
	assert.Equal(t, "coder-"+a.ID[:8], a.Name)
	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, DefaultCapabilities(RoleCoder), a.Capabilities)
	assert.Zero(t, a.Performance)
	assert.Zero(t, a.Resources)
	assert.Equal(t, 1, r.Count())
}

func TestSpawn_ExplicitCapabilities(t *testing.T) {
	r := setupTestRegistry(t)

	a, err := r.Spawn(RoleTester, []string{"fuzzing"})

	require.NoError(t, err)
	assert.Equal(t, []string{"fuzzing"}, a.Capabilities)
}

func TestSpawn_InvalidRole(t *testing.T) {
	r := setupTestRegistry(t)

	_, err := r.Spawn(Role("wizard"), nil)

	assert.True(t, errors.Is(err, ErrInvalidRole))
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Coder ")
	require.NoError(t, err)
	assert.Equal(t, RoleCoder, role)

	_, err = ParseRole("wizard")
	assert.True(t, domain.Is(err, domain.CodeInvalidArgument))
}

func TestGetReturnsCopy(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	a.Status = StatusOffline
	a.Capabilities[0] = "mutated"

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, stored.Status)
	assert.Equal(t, DefaultCapabilities(RoleCoder), stored.Capabilities)
}

func TestRemoveTwice(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleReviewer, nil)
	require.NoError(t, err)

	removed, err := r.Remove(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)

	_, err = r.Remove(a.ID)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	assert.Zero(t, r.Count())
}

func TestRemoveWithActiveSubtask(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(a.ID, "subtask-1"))

	removed, err := r.Remove(a.ID)

	require.NoError(t, err)
	assert.Equal(t, "subtask-1", removed.CurrentSubtask)
}

func TestListAvailableOrdering(t *testing.T) {
	r := setupTestRegistry(t)
	low := spawnWithQuality(t, r, RoleCoder, 50)
	high := spawnWithQuality(t, r, RoleCoder, 90)
	mid := spawnWithQuality(t, r, RoleCoder, 70)

	available := r.ListAvailable(RoleCoder)

	require.Len(t, available, 3)
	assert.Equal(t, high.ID, available[0].ID)
	assert.Equal(t, mid.ID, available[1].ID)
	assert.Equal(t, low.ID, available[2].ID)
}

func TestListAvailableTieBreaks(t *testing.T) {
	r := setupTestRegistry(t)
	quality := 80.0

	slow, err := r.Spawn(RoleTester, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(slow.ID, "s"))
	require.NoError(t, r.Complete(slow.ID, Completion{Success: true, Duration: 10 * time.Minute, Quality: &quality}))

	fast, err := r.Spawn(RoleTester, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(fast.ID, "s"))
	require.NoError(t, r.Complete(fast.ID, Completion{Success: true, Duration: time.Minute, Quality: &quality}))

	available := r.ListAvailable(RoleTester)

	require.Len(t, available, 2)
	assert.Equal(t, fast.ID, available[0].ID)
	assert.Equal(t, slow.ID, available[1].ID)
}

func TestListAvailableFilters(t *testing.T) {
	r := setupTestRegistry(t)
	coder, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)
	busy, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)
	_, err = r.Spawn(RoleTester, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(busy.ID, "s"))

	coders := r.ListAvailable(RoleCoder)
	require.Len(t, coders, 1)
	assert.Equal(t, coder.ID, coders[0].ID)

	assert.Len(t, r.ListAvailable(""), 2)
}

func TestAssignTwiceIsConflict(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	require.NoError(t, r.Assign(a.ID, "subtask-1"))
	err = r.Assign(a.ID, "subtask-2")

	assert.True(t, errors.Is(err, ErrAgentBusy))
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, stored.Status)
	assert.Equal(t, "subtask-1", stored.CurrentSubtask)
}

func TestAssignUnknownAgent(t *testing.T) {
	r := setupTestRegistry(t)

	err := r.Assign("ghost", "s")

	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestCompleteUpdatesPerformance(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	q1, q2 := 80.0, 40.0
	require.NoError(t, r.Assign(a.ID, "s1"))
	require.NoError(t, r.Complete(a.ID, Completion{SubtaskID: "s1", Success: true, Duration: 2 * time.Minute, Quality: &q1}))
	require.NoError(t, r.Assign(a.ID, "s2"))
	require.NoError(t, r.Complete(a.ID, Completion{SubtaskID: "s2", Success: false, Duration: 4 * time.Minute, Quality: &q2}))

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, stored.Status)
	assert.Empty(t, stored.CurrentSubtask)
	assert.Equal(t, 2, stored.Performance.TasksCompleted)
	assert.Equal(t, 3*time.Minute, stored.Performance.AverageDuration)
	assert.InDelta(t, 50.0, stored.Performance.SuccessRate, 1e-9)
	assert.InDelta(t, 60.0, stored.Performance.QualityScore, 1e-9)
	assert.False(t, stored.Performance.LastUpdated.IsZero())
}

func TestCompleteQualityIsClamped(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	q := 250.0
	require.NoError(t, r.Complete(a.ID, Completion{Success: true, Quality: &q}))

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Performance.QualityScore)
}

func TestCompletionSequenceInvariants(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	outcomes := []bool{true, false, false, true, true, false, true, true, false, true}
	for i, success := range outcomes {
		require.NoError(t, r.Assign(a.ID, "s"))
		require.NoError(t, r.Complete(a.ID, Completion{Success: success, Duration: time.Second}))

		stored, err := r.Get(a.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, stored.Performance.TasksCompleted)
		assert.GreaterOrEqual(t, stored.Performance.SuccessRate, 0.0)
		assert.LessOrEqual(t, stored.Performance.SuccessRate, 100.0)
	}
}

func TestCompleteUnknownAgent(t *testing.T) {
	r := setupTestRegistry(t)

	err := r.Complete("ghost", Completion{})

	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestMarkFailed(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(a.ID, "subtask-1"))

	before, err := r.MarkFailed(a.ID)

	require.NoError(t, err)
	assert.Equal(t, StatusBusy, before.Status)
	assert.Equal(t, "subtask-1", before.CurrentSubtask)

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)
	assert.Empty(t, stored.CurrentSubtask)
	assert.Empty(t, r.ListAvailable(""))
}

func TestReleaseDoesNotRecordCompletion(t *testing.T) {
	r := setupTestRegistry(t)
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)
	require.NoError(t, r.Assign(a.ID, "subtask-1"))

	require.NoError(t, r.Release(a.ID))

	stored, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, stored.Status)
	assert.Empty(t, stored.CurrentSubtask)
	assert.Zero(t, stored.Performance.TasksCompleted)
	assert.ErrorIs(t, r.Release("missing"), ErrAgentNotFound)
}

func TestScaleDownRemovesLowestQualityIdle(t *testing.T) {
	r := setupTestRegistry(t)
	spawnWithQuality(t, r, RoleCoder, 90)
	spawnWithQuality(t, r, RoleCoder, 70)
	low := spawnWithQuality(t, r, RoleCoder, 50)

	res, err := r.Scale(2, "")

	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, low.ID, res.Removed[0].ID)
	assert.Empty(t, res.Spawned)
	assert.Equal(t, 2, r.Count())
}

func TestScaleDownPrefersIdle(t *testing.T) {
	r := setupTestRegistry(t)
	busy := spawnWithQuality(t, r, RoleCoder, 10)
	idle := spawnWithQuality(t, r, RoleCoder, 95)
	require.NoError(t, r.Assign(busy.ID, "s"))

	res, err := r.Scale(1, "")

	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, idle.ID, res.Removed[0].ID)
}

func TestScaleDownRemovesFailedBeforeBusy(t *testing.T) {
	r := setupTestRegistry(t)
	busy := spawnWithQuality(t, r, RoleCoder, 40)
	failed := spawnWithQuality(t, r, RoleCoder, 60)
	require.NoError(t, r.Assign(busy.ID, "s"))
	_, err := r.MarkFailed(failed.ID)
	require.NoError(t, err)

	res, err := r.Scale(1, "")

	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, failed.ID, res.Removed[0].ID)
	stored, err := r.Get(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, stored.Status)
}

func TestScaleUpRequestedRole(t *testing.T) {
	r := setupTestRegistry(t)

	res, err := r.Scale(3, RoleTester)

	require.NoError(t, err)
	assert.Len(t, res.Spawned, 3)
	for _, a := range r.All() {
		assert.Equal(t, RoleTester, a.Role)
	}
}

func TestScaleUpBalancesRoles(t *testing.T) {
	r := setupTestRegistry(t)
	_, err := r.Spawn(RoleResearcher, nil)
	require.NoError(t, err)

	res, err := r.Scale(3, "")

	require.NoError(t, err)
	require.Len(t, res.Spawned, 2)
	assert.Equal(t, RoleArchitect, res.Spawned[0].Role)
	assert.Equal(t, RoleCoder, res.Spawned[1].Role)
}

func TestScaleLimits(t *testing.T) {
	r := NewRegistry("s", Config{MaxAgents: 2})

	_, err := r.Scale(3, "")
	assert.True(t, domain.Is(err, domain.CodeResourceExhausted))

	_, err = r.Scale(-1, "")
	assert.True(t, domain.Is(err, domain.CodeInvalidArgument))

	_, err = r.Scale(1, Role("wizard"))
	assert.True(t, domain.Is(err, domain.CodeInvalidArgument))
}

func TestSampleOnceRaisesAlerts(t *testing.T) {
	r := setupTestRegistry(t)
	r.SetSampler(FixedSampler{CPU: 97, Memory: 50})
	a, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	var alerts []ResourceAlert
	r.SetAlertFunc(func(alert ResourceAlert) { alerts = append(alerts, alert) })

	r.SampleOnce()

	require.Len(t, alerts, 1)
	assert.Equal(t, "cpu", alerts[0].Resource)
	assert.Equal(t, a.ID, alerts[0].AgentID)
	assert.Equal(t, "session-1", alerts[0].SessionID)
	assert.Equal(t, 85.0, alerts[0].Threshold)

	snap := r.ResourceSnapshot()
	assert.Equal(t, 97.0, snap[a.ID].CPU)
	assert.False(t, snap[a.ID].SampledAt.IsZero())
}

func TestSimulatedSamplerBusyTrendsHigher(t *testing.T) {
	s := NewSimulatedSampler(42)
	idle := &Agent{Status: StatusIdle}
	busy := &Agent{Status: StatusBusy}

	var idleSum, busySum float64
	for i := 0; i < 100; i++ {
		idleSum += s.Sample(idle).CPU
		busySum += s.Sample(busy).CPU
	}

	assert.Greater(t, busySum, idleSum)
}

func TestStartStop(t *testing.T) {
	r := NewRegistry("s", Config{SampleInterval: 5 * time.Millisecond})
	r.SetSampler(FixedSampler{CPU: 99})
	_, err := r.Spawn(RoleCoder, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	r.SetAlertFunc(func(ResourceAlert) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	r := setupTestRegistry(t)

	r.Stop()
	r.Start(context.Background())
	r.Stop()
}
