package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/task"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-store-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	})

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTasks_CreateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	low := &task.Task{Title: "low", Priority: task.PriorityLow, CreatedAt: base}
	hi := &task.Task{
		Title:                "high",
		Priority:             task.PriorityHigh,
		RequiredCapabilities: task.NewSet("go", "sql"),
		Dependencies:         task.NewSet("dep-1"),
		CreatedAt:            base.Add(time.Minute),
	}
	for _, tk := range []*task.Task{low, hi} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if tk.ID == "" {
			t.Fatal("CreateTask left ID empty")
		}
	}

	got, err := s.GetTask(ctx, hi.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if !got.RequiredCapabilities.Has("sql") || got.RequiredCapabilities.Len() != 2 {
		t.Errorf("RequiredCapabilities = %v", got.RequiredCapabilities.Slice())
	}
	if !got.Dependencies.Has("dep-1") {
		t.Errorf("Dependencies = %v", got.Dependencies.Slice())
	}
	if !got.CreatedAt.Equal(hi.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, hi.CreatedAt)
	}

	list, err := s.ListTasks(ctx, task.Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 2 || list[0].ID != hi.ID {
		t.Fatalf("ListTasks should order by priority first, got %d tasks", len(list))
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v, want ErrNotFound", err)
	}
}

func TestTasks_SaveGuardedByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &task.Task{Title: "guarded"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	first := *tk
	if err := first.Assign("agent-a", time.Now()); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := s.SaveTask(ctx, &first, task.StatusPending); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	second := *tk
	if err := second.Assign("agent-b", time.Now()); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	err := s.SaveTask(ctx, &second, task.StatusPending)
	if !errors.Is(err, task.ErrConflict) {
		t.Fatalf("stale SaveTask err = %v, want ErrConflict", err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.AssignedTo != "agent-a" {
		t.Errorf("AssignedTo = %q, want agent-a", got.AssignedTo)
	}

	loads, err := s.Workloads(ctx)
	if err != nil {
		t.Fatalf("Workloads: %v", err)
	}
	if loads["agent-a"] != 1 {
		t.Errorf("workload agent-a = %d, want 1", loads["agent-a"])
	}
}

func TestTasks_CountsAndStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mins := 30
	done := &task.Task{Title: "done", Status: task.StatusCompleted, Priority: task.PriorityLow, ActualMinutes: &mins}
	open := &task.Task{Title: "open", Priority: task.PriorityCritical}
	for _, tk := range []*task.Task{done, open} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	counts, err := s.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if counts.ByStatus[task.StatusCompleted] != 1 || counts.ByStatus[task.StatusPending] != 1 {
		t.Errorf("ByStatus = %v", counts.ByStatus)
	}
	if counts.ByPriority[task.PriorityCritical] != 1 {
		t.Errorf("ByPriority = %v", counts.ByPriority)
	}
	if counts.AvgCompletionMinutes != 30 {
		t.Errorf("AvgCompletionMinutes = %v, want 30", counts.AvgCompletionMinutes)
	}

	statuses, err := s.TaskStatuses(ctx, []string{done.ID, "ghost"})
	if err != nil {
		t.Fatalf("TaskStatuses: %v", err)
	}
	if len(statuses) != 1 || statuses[done.ID] != task.StatusCompleted {
		t.Errorf("TaskStatuses = %v", statuses)
	}

	if err := s.DeleteTask(ctx, done.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.DeleteTask(ctx, done.ID); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("second DeleteTask err = %v, want ErrNotFound", err)
	}
}

func TestAgents_UpsertAndHydrate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &agent.Agent{
		ID:           "a1",
		Name:         "builder",
		Capabilities: agent.Capabilities{"go": 90, "sql": 150, "": 10},
	}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	tk := &task.Task{Title: "work", Status: task.StatusInProgress, AssignedTo: "a1"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != agent.StatusIdle {
		t.Errorf("Status = %q, want idle", got.Status)
	}
	if got.Capabilities["sql"] != agent.MaxProficiency {
		t.Errorf("sql proficiency = %d, want clamped to %d", got.Capabilities["sql"], agent.MaxProficiency)
	}
	if _, ok := got.Capabilities[""]; ok {
		t.Error("empty capability tag should be dropped")
	}
	if got.Workload != 1 {
		t.Errorf("Workload = %d, want 1", got.Workload)
	}

	got.Status = agent.StatusInactive
	if err := s.SaveAgent(ctx, got); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	active, err := s.ListAgents(ctx, agent.StatusActive, agent.StatusIdle)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListAgents(active, idle) = %d agents, want 0", len(active))
	}

	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(ctx, "a1"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("GetAgent after delete err = %v, want ErrNotFound", err)
	}
}

func TestLocks_OneActiveExclusivePerResource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()

	first := &lock.FileLock{
		ProjectID: "p", ResourcePath: "main.go", HolderAgentID: "a1",
		Type: lock.TypeExclusive, Status: lock.StatusActive, ExpiresAt: &exp,
	}
	if err := s.InsertLock(ctx, first); err != nil {
		t.Fatalf("InsertLock: %v", err)
	}
	second := &lock.FileLock{
		ProjectID: "p", ResourcePath: "main.go", HolderAgentID: "a2",
		Type: lock.TypeExclusive, Status: lock.StatusActive, ExpiresAt: &exp,
	}
	if err := s.InsertLock(ctx, second); !errors.Is(err, lock.ErrConflict) {
		t.Fatalf("second exclusive InsertLock err = %v, want ErrConflict", err)
	}

	other := &lock.FileLock{
		ProjectID: "q", ResourcePath: "main.go", HolderAgentID: "a2",
		Type: lock.TypeExclusive, Status: lock.StatusActive,
	}
	if err := s.InsertLock(ctx, other); err != nil {
		t.Fatalf("same path in another project should be allowed: %v", err)
	}

	active, err := s.ActiveLocks(ctx, "p", "main.go")
	if err != nil {
		t.Fatalf("ActiveLocks: %v", err)
	}
	if len(active) != 1 || active[0].HolderAgentID != "a1" {
		t.Fatalf("ActiveLocks = %+v", active)
	}

	now := time.Now().UTC()
	first.Status = lock.StatusReleased
	first.ReleasedAt = &now
	if err := s.SaveLock(ctx, first, lock.StatusActive); err != nil {
		t.Fatalf("SaveLock: %v", err)
	}
	if err := s.SaveLock(ctx, first, lock.StatusActive); !errors.Is(err, lock.ErrConflict) {
		t.Errorf("repeated SaveLock err = %v, want ErrConflict", err)
	}
	if err := s.InsertLock(ctx, second); err != nil {
		t.Fatalf("InsertLock after release: %v", err)
	}

	counts, err := s.LockCounts(ctx)
	if err != nil {
		t.Fatalf("LockCounts: %v", err)
	}
	if counts[lock.StatusActive] != 2 || counts[lock.StatusReleased] != 1 {
		t.Errorf("LockCounts = %v", counts)
	}

	n, err := s.DeleteLocks(ctx, []string{first.ID})
	if err != nil || n != 1 {
		t.Errorf("DeleteLocks = %d, %v", n, err)
	}
}

func TestLocks_Waiters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddWaiter(ctx, "p", "a.go", "w1", t0); err != nil {
		t.Fatalf("AddWaiter: %v", err)
	}
	if err := s.AddWaiter(ctx, "p", "a.go", "w2", t0.Add(time.Minute)); err != nil {
		t.Fatalf("AddWaiter: %v", err)
	}
	// A repeat keeps the original request time.
	if err := s.AddWaiter(ctx, "p", "a.go", "w1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("AddWaiter repeat: %v", err)
	}

	ws, err := s.Waiters(ctx, "p", "a.go")
	if err != nil {
		t.Fatalf("Waiters: %v", err)
	}
	if len(ws) != 2 || ws[0].AgentID != "w1" || !ws[0].RequestedAt.Equal(t0) {
		t.Fatalf("Waiters = %+v", ws)
	}

	n, err := s.DeleteWaitersBefore(ctx, t0.Add(30*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("DeleteWaitersBefore = %d, %v", n, err)
	}
	if err := s.ClearWaiters(ctx, "p", "a.go"); err != nil {
		t.Fatalf("ClearWaiters: %v", err)
	}
	ws, _ = s.Waiters(ctx, "p", "a.go")
	if len(ws) != 0 {
		t.Errorf("Waiters after clear = %+v", ws)
	}
}

func TestAudit_Records(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &audit.ConflictRecord{
		Kind: audit.ConflictLockContention, ResourcePath: "x.go",
		AgentIDs: []string{"a1", "a2"}, Description: "contended",
	}
	if err := s.InsertConflict(ctx, c); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}
	byAgent, err := s.ListConflicts(ctx, audit.Filter{AgentID: "a2", Unresolved: true})
	if err != nil || len(byAgent) != 1 {
		t.Fatalf("ListConflicts = %d, %v", len(byAgent), err)
	}
	if err := s.ResolveConflict(ctx, c.ID, now); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	open, _ := s.ListConflicts(ctx, audit.Filter{Unresolved: true})
	if len(open) != 0 {
		t.Errorf("unresolved conflicts = %d, want 0", len(open))
	}
	if err := s.ResolveConflict(ctx, "nope", now); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("ResolveConflict(nope) err = %v, want ErrNotFound", err)
	}

	d := &audit.DecisionRecord{
		Kind: audit.DecisionAssignment, TaskID: "t1", AgentID: "a1",
		Description: "assigned", Metadata: map[string]string{"score": "97.5"},
	}
	if err := s.InsertDecision(ctx, d); err != nil {
		t.Fatalf("InsertDecision: %v", err)
	}
	if err := s.OverrideDecision(ctx, d.ID, "operator", now); err != nil {
		t.Fatalf("OverrideDecision: %v", err)
	}
	got, err := s.GetDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.OverriddenBy != "operator" || got.ResolvedAt == nil || got.Metadata["score"] != "97.5" {
		t.Errorf("decision = %+v", got)
	}
	ds, _ := s.ListDecisions(ctx, audit.Filter{TaskID: "t1"})
	if len(ds) != 1 {
		t.Errorf("ListDecisions = %d, want 1", len(ds))
	}

	a := &audit.Alert{Severity: audit.SeverityHigh, Source: "timeout", Title: "stuck"}
	if err := s.InsertAlert(ctx, a); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if err := s.AcknowledgeAlert(ctx, a.ID, now); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	pending, _ := s.ListAlerts(ctx, audit.Filter{Unresolved: true})
	if len(pending) != 0 {
		t.Errorf("unacknowledged alerts = %d, want 0", len(pending))
	}
	high, _ := s.ListAlerts(ctx, audit.Filter{Severity: audit.SeverityHigh})
	if len(high) != 1 {
		t.Errorf("high alerts = %d, want 1", len(high))
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(r Repo) error {
		if err := r.CreateTask(ctx, &task.Task{ID: "t1", Title: "rolled back"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("task should not exist after rollback, err = %v", err)
	}

	err = s.InTx(ctx, func(r Repo) error {
		return r.CreateTask(ctx, &task.Task{ID: "t2", Title: "committed"})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if _, err := s.GetTask(ctx, "t2"); err != nil {
		t.Errorf("GetTask after commit: %v", err)
	}
}
