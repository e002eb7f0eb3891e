package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/task"
)

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing title", EnqueueRequest{Title: "   "}},
		{"priority too high", EnqueueRequest{Title: "x", Priority: prio(5)}},
		{"priority negative", EnqueueRequest{Title: "x", Priority: prio(-1)}},
		{"negative estimate", EnqueueRequest{Title: "x", EstimatedMinutes: intp(-5)}},
		{"unknown dependency", EnqueueRequest{Title: "x", Dependencies: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Enqueue(ctx, tt.req)
			assert.ErrorIs(t, err, task.ErrInvalid)
		})
	}

	tk, err := h.Enqueue(ctx, EnqueueRequest{Title: " write docs ", RequiredCapabilities: []string{"docs", "docs"}})
	require.NoError(t, err)
	assert.Equal(t, "write docs", tk.Title)
	assert.Equal(t, task.PriorityNormal, tk.Priority)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, 1, tk.RequiredCapabilities.Len())
	assert.Equal(t, 1, h.events.count(comms.TaskEnqueued))

	all, err := h.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "rejected requests store nothing")
}

func TestTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", agent.Capabilities{"go": 60})
	h.agent(t, "a2", nil)
	tk := h.enqueue(t, "refactor", task.PriorityHigh, "go")

	_, err := h.Assign(ctx, tk.ID, "a2")
	assert.ErrorIs(t, err, task.ErrConflict, "a2 lacks go")
	_, err = h.Assign(ctx, tk.ID, "ghost")
	assert.ErrorIs(t, err, agent.ErrNotFound)

	got, err := h.Assign(ctx, tk.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)
	_, err = h.Assign(ctx, tk.ID, "a1")
	assert.ErrorIs(t, err, task.ErrConflict)

	_, err = h.Start(ctx, tk.ID, "a2")
	assert.ErrorIs(t, err, task.ErrConflict)
	_, err = h.Start(ctx, tk.ID, "a1")
	require.NoError(t, err)
	_, err = h.Cancel(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrConflict, "started work cannot be cancelled")
	err = h.Delete(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrConflict)

	_, err = h.Complete(ctx, tk.ID, "", intp(-1))
	assert.ErrorIs(t, err, task.ErrInvalid)
	h.clock.Advance(25 * time.Minute)
	got, err = h.Complete(ctx, tk.ID, "merged", nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.ActualMinutes)
	assert.Equal(t, 25, *got.ActualMinutes)
	assert.Empty(t, got.AssignedTo)
	assert.Equal(t, "a1", got.LastAgent)

	a1, err := h.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, a1.Workload)

	require.NoError(t, h.Delete(ctx, tk.ID))
	_, err = h.GetTask(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.Equal(t, 1, h.events.count(comms.TaskDeleted))
}

func TestFailRetryCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", nil)
	tk := h.enqueue(t, "deploy", task.PriorityNormal)

	_, err := h.Retry(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrConflict, "only failed tasks retry")
	_, err = h.Fail(ctx, tk.ID, "boom")
	assert.ErrorIs(t, err, task.ErrConflict, "pending tasks cannot fail")

	_, err = h.Assign(ctx, tk.ID, "a1")
	require.NoError(t, err)
	got, err := h.Fail(ctx, tk.ID, "disk full")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)

	got, err = h.Retry(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.CompletedAt)

	retries, err := h.ListDecisions(ctx, audit.Filter{Kind: string(audit.DecisionRetry), TaskID: tk.ID})
	require.NoError(t, err)
	assert.Len(t, retries, 1)

	got, err = h.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	_, err = h.Cancel(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestAssign_RequiresCompletedDependencies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", nil)
	dep := h.enqueue(t, "dep", task.PriorityNormal)
	child, err := h.Enqueue(ctx, EnqueueRequest{Title: "child", Dependencies: []string{dep.ID}})
	require.NoError(t, err)

	_, err = h.Assign(ctx, child.ID, "a1")
	assert.ErrorIs(t, err, task.ErrConflict)

	_, err = h.Cancel(ctx, dep.ID)
	require.NoError(t, err)
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Blocked, "a cancelled dependency blocks forever")
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.enqueue(t, "old", task.PriorityNormal)
	_, err := h.Cancel(ctx, old.ID)
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)
	recent := h.enqueue(t, "recent", task.PriorityNormal)
	_, err = h.Cancel(ctx, recent.ID)
	require.NoError(t, err)
	open := h.enqueue(t, "open", task.PriorityNormal)

	_, err = h.Cleanup(ctx, -time.Hour)
	assert.ErrorIs(t, err, task.ErrInvalid)

	n, err := h.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := h.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	var ids []string
	for _, tk := range left {
		ids = append(ids, tk.ID)
	}
	assert.ElementsMatch(t, []string{recent.ID, open.ID}, ids)
}

func TestCleanup_KeepsDependenciesOfOpenTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", nil)
	base := h.enqueue(t, "schema", task.PriorityNormal)
	_, err := h.Assign(ctx, base.ID, "a1")
	require.NoError(t, err)
	_, err = h.Start(ctx, base.ID, "a1")
	require.NoError(t, err)
	_, err = h.Complete(ctx, base.ID, "done", nil)
	require.NoError(t, err)
	next, err := h.Enqueue(ctx, EnqueueRequest{Title: "migrate", Dependencies: []string{base.ID}})
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	n, err := h.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "a completed dependency of a pending task is kept")
	assert.ErrorIs(t, h.Delete(ctx, base.ID), task.ErrConflict)

	res, err := h.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)
	assert.Equal(t, task.StatusAssigned, h.task(t, next.ID).Status)

	_, err = h.Cancel(ctx, next.ID)
	require.NoError(t, err)
	n, err = h.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "released once nothing open depends on it")
}

func TestReassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", nil)
	h.agent(t, "a2", nil)
	tk := h.enqueue(t, "review", task.PriorityNormal)
	_, err := h.Reassign(ctx, tk.ID, "a2")
	assert.ErrorIs(t, err, task.ErrConflict, "pending tasks are assigned, not reassigned")

	_, err = h.Assign(ctx, tk.ID, "a1")
	require.NoError(t, err)
	_, err = h.Start(ctx, tk.ID, "a1")
	require.NoError(t, err)

	_, err = h.Reassign(ctx, tk.ID, "a1")
	assert.ErrorIs(t, err, task.ErrInvalid)

	got, err := h.Reassign(ctx, tk.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)
	assert.Equal(t, "a2", got.AssignedTo)
	assert.Nil(t, got.StartedAt)

	ds, err := h.ListDecisions(ctx, audit.Filter{Kind: string(audit.DecisionReassignment), TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "a1", ds[0].Metadata["from"])
	assert.Equal(t, "a2", ds[0].Metadata["to"])
}

func TestReassignAll_SkipsWhatTargetCannotTake(t *testing.T) {
	s := DefaultSettings()
	s.ConcurrencyCap = 2
	h := newHarness(t, WithSettings(s))
	ctx := context.Background()

	h.agent(t, "a1", agent.Capabilities{"go": 50})
	h.agent(t, "a2", nil)
	h.agent(t, "a3", agent.Capabilities{"go": 10})
	plain1 := h.enqueue(t, "p1", task.PriorityNormal)
	gopher := h.enqueue(t, "g", task.PriorityNormal, "go")
	for _, id := range []string{plain1.ID, gopher.ID} {
		_, err := h.Assign(ctx, id, "a1")
		require.NoError(t, err)
	}

	_, err := h.ReassignAll(ctx, "a1", "a1")
	assert.ErrorIs(t, err, agent.ErrInvalid)

	res, err := h.ReassignAll(ctx, "a1", "a2")
	require.NoError(t, err)
	assert.Equal(t, []string{plain1.ID}, res.Moved)
	assert.Contains(t, res.Skipped, gopher.ID)

	res, err = h.ReassignAll(ctx, "a1", "a3")
	require.NoError(t, err)
	assert.Equal(t, []string{gopher.ID}, res.Moved)
	assert.Equal(t, "a3", h.task(t, gopher.ID).AssignedTo)
}

func TestNextTaskForAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", agent.Capabilities{"go": 50})
	_, ok, err := h.NextTaskForAgent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	h.enqueue(t, "rusty", task.PriorityCritical, "rust")
	waiting := h.enqueue(t, "waiting", task.PriorityNormal, "go")

	next, ok, err := h.NextTaskForAgent(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, waiting.ID, next.Task.ID)
	assert.Equal(t, task.StatusPending, h.task(t, waiting.ID).Status, "lookup does not assign")

	// 60 plus a capped wait bonus of 30 beats a fresh high priority task at 80.
	h.clock.Advance(90 * time.Minute)
	h.enqueue(t, "fresh", task.PriorityHigh)
	next, _, err = h.NextTaskForAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, waiting.ID, next.Task.ID)
	assert.InDelta(t, 90.0, next.Score, 1e-9)

	_, _, err = h.NextTaskForAgent(ctx, "ghost")
	assert.ErrorIs(t, err, agent.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.agent(t, "a1", nil)
	a := h.enqueue(t, "a", task.PriorityHigh)
	h.enqueue(t, "b", task.PriorityLow)
	_, err := h.Assign(ctx, a.ID, "a1")
	require.NoError(t, err)
	_, err = acquire(h, "a1", lock.TypeExclusive)
	require.NoError(t, err)
	_, err = acquire(h, "a2", lock.TypeShared)
	require.Error(t, err)

	s, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Tasks.ByStatus[task.StatusPending])
	assert.Equal(t, 1, s.Tasks.ByStatus[task.StatusAssigned])
	assert.Equal(t, 1, s.Tasks.ByPriority[task.PriorityLow])
	assert.Equal(t, 1, s.Workloads["a1"])
	assert.Equal(t, 1, s.Locks[lock.StatusActive])
	assert.Equal(t, 1, s.UnresolvedConflicts)
	assert.Zero(t, s.Blocked)
}
