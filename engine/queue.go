package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

// EnqueueRequest describes a new task. A nil Priority means PriorityNormal.
type EnqueueRequest struct {
	ProjectID            string         `json:"project_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	Priority             *task.Priority `json:"priority,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Dependencies         []string       `json:"dependencies"`
	EstimatedMinutes     *int           `json:"estimated_minutes,omitempty"`
}

// Enqueue validates req and stores a new pending task.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*task.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", task.ErrInvalid)
	}
	prio := task.PriorityNormal
	if req.Priority != nil {
		prio = *req.Priority
	}
	if !prio.Valid() {
		return nil, fmt.Errorf("%w: priority %d outside [%d, %d]", task.ErrInvalid, prio, task.PriorityCritical, task.PriorityBackground)
	}
	if req.EstimatedMinutes != nil && *req.EstimatedMinutes < 0 {
		return nil, fmt.Errorf("%w: estimated_minutes must not be negative", task.ErrInvalid)
	}

	now := e.clock()
	t := &task.Task{
		ID:                   store.NewID(),
		ProjectID:            req.ProjectID,
		Title:                title,
		Description:          req.Description,
		Status:               task.StatusPending,
		Priority:             prio,
		RequiredCapabilities: task.NewSet(req.RequiredCapabilities...),
		Dependencies:         task.NewSet(req.Dependencies...),
		EstimatedMinutes:     req.EstimatedMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		if t.Dependencies.Len() > 0 {
			deps := t.Dependencies.Slice()
			found, err := r.TaskStatuses(ctx, deps)
			if err != nil {
				return err
			}
			for _, id := range deps {
				if _, ok := found[id]; !ok {
					return fmt.Errorf("%w: dependency %s does not exist", task.ErrInvalid, id)
				}
			}
		}
		if err := r.CreateTask(ctx, t); err != nil {
			return err
		}
		out.add(comms.TaskEnqueued, t.ID, t.Title, map[string]string{
			"priority":   strconv.Itoa(int(t.Priority)),
			"project_id": t.ProjectID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("task enqueued", "task_id", t.ID, "priority", t.Priority, "title", t.Title)
	return t, nil
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching f, most urgent first.
func (e *Engine) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return e.store.ListTasks(ctx, f)
}

// mutate loads a task inside a transaction, applies fn and writes it back
// guarded by the status it was loaded with.
func (e *Engine) mutate(ctx context.Context, id string, ev comms.EventType,
	fn func(r store.Repo, t *task.Task, now time.Time, out *outbox) error,
) (*task.Task, error) {
	var saved *task.Task
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		expect := t.Status
		now := e.clock()
		if err := fn(r, t, now, out); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := r.SaveTask(ctx, t, expect); err != nil {
			return err
		}
		out.add(ev, t.ID, "", map[string]string{
			"from":     string(expect),
			"status":   string(t.Status),
			"agent_id": t.LastAgent,
		})
		saved = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("task updated", "task_id", saved.ID, "event", ev, "status", saved.Status)
	return saved, nil
}

// Assign hands a pending task to agentID. The agent must be schedulable,
// below the concurrency cap and hold every required capability, and every
// dependency must be completed.
func (e *Engine) Assign(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskAssigned, func(r store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		if t.Status != task.StatusPending {
			return t.Assign(agentID, now)
		}
		if err := e.checkDependencies(ctx, r, t); err != nil {
			return err
		}
		a, err := r.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if reason := e.matcher.Reject(a, t); reason != "" {
			return fmt.Errorf("%w: %s", task.ErrConflict, reason)
		}
		if err := t.Assign(agentID, now); err != nil {
			return err
		}
		_, err = e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionAssignment,
			TaskID:      t.ID,
			AgentID:     agentID,
			Description: "manual assignment",
			Metadata:    map[string]string{"source": "manual"},
		})
		return err
	})
}

func (e *Engine) checkDependencies(ctx context.Context, r store.Repo, t *task.Task) error {
	if t.Dependencies.Len() == 0 {
		return nil
	}
	statuses, err := r.TaskStatuses(ctx, t.Dependencies.Slice())
	if err != nil {
		return err
	}
	if !task.IsAssignable(t, task.StatusMap(statuses)) {
		return fmt.Errorf("%w: task %s has unfinished dependencies", task.ErrConflict, t.ID)
	}
	return nil
}

// Start records that the assignee began work. An empty agentID skips the
// assignee check.
func (e *Engine) Start(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskStarted, func(_ store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		return t.Start(agentID, now)
	})
}

// Complete finishes an in-progress task.
func (e *Engine) Complete(ctx context.Context, taskID, result string, actualMinutes *int) (*task.Task, error) {
	if actualMinutes != nil && *actualMinutes < 0 {
		return nil, fmt.Errorf("%w: actual_minutes must not be negative", task.ErrInvalid)
	}
	return e.mutate(ctx, taskID, comms.TaskCompleted, func(_ store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		return t.Complete(result, actualMinutes, now)
	})
}

// Fail records a failure reported by the agent.
func (e *Engine) Fail(ctx context.Context, taskID, reason string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskFailed, func(_ store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		return t.Fail(reason, now)
	})
}

// Retry returns a failed task to the queue if it has retries left.
func (e *Engine) Retry(ctx context.Context, taskID string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskRetried, func(r store.Repo, t *task.Task, _ time.Time, out *outbox) error {
		if err := t.Retry(); err != nil {
			return err
		}
		out.then(e.metrics.Retries.Inc)
		_, err := e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionRetry,
			TaskID:      t.ID,
			AgentID:     t.LastAgent,
			Description: fmt.Sprintf("manual retry %d/%d", t.RetryCount, task.MaxRetries),
			Metadata:    map[string]string{"source": "manual", "retry_count": strconv.Itoa(t.RetryCount)},
		})
		return err
	})
}

// Cancel withdraws a pending or assigned task.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskCancelled, func(_ store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		return t.Cancel(now)
	})
}

// Delete removes a task in a terminal status that no open task depends on.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	return e.inTx(ctx, func(r store.Repo, out *outbox) error {
		t, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("%w: only completed, failed or cancelled tasks can be deleted (task %s is %s)",
				task.ErrConflict, t.ID, t.Status)
		}
		needed, err := openDependencies(ctx, r)
		if err != nil {
			return err
		}
		if by, ok := needed[t.ID]; ok {
			return fmt.Errorf("%w: task %s is a dependency of open task %s", task.ErrConflict, t.ID, by)
		}
		if err := r.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
		out.add(comms.TaskDeleted, t.ID, "", nil)
		return nil
	})
}

// Cleanup deletes terminal tasks that finished more than olderThan ago and
// returns how many were removed. Tasks an open task still depends on are
// kept.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: cleanup age must not be negative", task.ErrInvalid)
	}
	cutoff := e.clock().Add(-olderThan)
	removed := 0
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		removed = 0
		needed, err := openDependencies(ctx, r)
		if err != nil {
			return err
		}
		for _, st := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
			st := st
			tasks, err := r.ListTasks(ctx, task.Filter{Status: &st})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				finished := t.UpdatedAt
				if t.CompletedAt != nil {
					finished = *t.CompletedAt
				}
				if !finished.Before(cutoff) {
					continue
				}
				if _, ok := needed[t.ID]; ok {
					continue
				}
				if err := r.DeleteTask(ctx, t.ID); err != nil {
					return err
				}
				out.add(comms.TaskDeleted, t.ID, "cleanup", nil)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("task cleanup", "removed", removed, "cutoff", cutoff)
	return removed, nil
}

// openDependencies maps each task listed as a dependency of a pending,
// assigned or in-progress task to one such dependent.
func openDependencies(ctx context.Context, r store.Repo) (map[string]string, error) {
	needed := map[string]string{}
	for _, st := range []task.Status{task.StatusPending, task.StatusAssigned, task.StatusInProgress} {
		st := st
		tasks, err := r.ListTasks(ctx, task.Filter{Status: &st})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			for dep := range t.Dependencies {
				if _, ok := needed[dep]; !ok {
					needed[dep] = t.ID
				}
			}
		}
	}
	return needed, nil
}

// Reassign moves an assigned or in-progress task to toAgent, which must
// pass the matcher's status, capacity and capability checks. The task
// restarts from assigned.
func (e *Engine) Reassign(ctx context.Context, taskID, toAgent string) (*task.Task, error) {
	return e.mutate(ctx, taskID, comms.TaskReassigned, func(r store.Repo, t *task.Task, now time.Time, _ *outbox) error {
		if !t.Status.Active() {
			return t.Reassign(toAgent, now)
		}
		if t.AssignedTo == toAgent {
			return fmt.Errorf("%w: task %s is already assigned to %s", task.ErrInvalid, t.ID, toAgent)
		}
		target, err := r.GetAgent(ctx, toAgent)
		if err != nil {
			return err
		}
		if reason := e.matcher.Reject(target, t); reason != "" {
			return fmt.Errorf("%w: %s", task.ErrConflict, reason)
		}
		return e.reassign(ctx, r, t, target.ID, now, "manual")
	})
}

func (e *Engine) reassign(ctx context.Context, r store.Repo, t *task.Task, to string, now time.Time, source string) error {
	from := t.AssignedTo
	if err := t.Reassign(to, now); err != nil {
		return err
	}
	_, err := e.decide(ctx, r, audit.DecisionRecord{
		Kind:        audit.DecisionReassignment,
		TaskID:      t.ID,
		AgentID:     to,
		Description: fmt.Sprintf("reassigned from %s to %s", from, to),
		Metadata:    map[string]string{"from": from, "to": to, "source": source},
	})
	return err
}

// ReassignResult reports what ReassignAll did.
type ReassignResult struct {
	Moved   []string          `json:"moved"`
	Skipped map[string]string `json:"skipped,omitempty"` // task id -> reason
}

// ReassignAll moves every active task of fromAgent to toAgent, skipping the
// tasks toAgent cannot take once its capacity is used up or a capability is
// missing.
func (e *Engine) ReassignAll(ctx context.Context, fromAgent, toAgent string) (ReassignResult, error) {
	var res ReassignResult
	if fromAgent == toAgent {
		return res, fmt.Errorf("%w: source and target agent are the same", agent.ErrInvalid)
	}
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		res = ReassignResult{Skipped: map[string]string{}}
		if _, err := r.GetAgent(ctx, fromAgent); err != nil {
			return err
		}
		target, err := r.GetAgent(ctx, toAgent)
		if err != nil {
			return err
		}
		tasks, err := r.ListTasks(ctx, task.Filter{AssignedTo: fromAgent})
		if err != nil {
			return err
		}
		now := e.clock()
		for _, t := range tasks {
			if !t.Status.Active() {
				continue
			}
			if reason := e.matcher.Reject(target, t); reason != "" {
				res.Skipped[t.ID] = reason
				continue
			}
			expect := t.Status
			if err := e.reassign(ctx, r, t, target.ID, now, "bulk"); err != nil {
				return err
			}
			t.UpdatedAt = now
			if err := r.SaveTask(ctx, t, expect); err != nil {
				return err
			}
			target.Workload++
			res.Moved = append(res.Moved, t.ID)
			out.add(comms.TaskReassigned, t.ID, "", map[string]string{"from": fromAgent, "to": toAgent})
		}
		return nil
	})
	if err != nil {
		return ReassignResult{}, err
	}
	e.logger.Info("tasks reassigned", "from", fromAgent, "to", toAgent,
		"moved", len(res.Moved), "skipped", len(res.Skipped))
	return res, nil
}

// NextTaskForAgent returns the best pending task agentID could take now,
// without assigning it. ok is false when nothing fits.
func (e *Engine) NextTaskForAgent(ctx context.Context, agentID string) (next RankedTask, ok bool, err error) {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return next, false, err
	}
	pending := task.StatusPending
	tasks, err := e.store.ListTasks(ctx, task.Filter{Status: &pending})
	if err != nil {
		return next, false, err
	}
	statuses, err := e.store.TaskStatuses(ctx, dependencyIDs(tasks))
	if err != nil {
		return next, false, err
	}
	ranked := e.matcher.RankTasksForAgent(a, tasks, task.StatusMap(statuses), e.clock())
	if len(ranked) == 0 {
		return next, false, nil
	}
	return ranked[0], true, nil
}

func dependencyIDs(tasks []*task.Task) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, t := range tasks {
		for dep := range t.Dependencies {
			if _, ok := seen[dep]; !ok {
				seen[dep] = struct{}{}
				ids = append(ids, dep)
			}
		}
	}
	return ids
}

// Stats summarizes queue, agent and lock state for dashboards.
type Stats struct {
	Tasks                store.TaskCounts    `json:"tasks"`
	Blocked              int                 `json:"blocked"`
	Workloads            map[string]int      `json:"agent_workloads"`
	Locks                map[lock.Status]int `json:"locks"`
	UnresolvedConflicts  int                 `json:"unresolved_conflicts"`
	UnacknowledgedAlerts int                 `json:"unacknowledged_alerts"`
}

// Stats computes the current Stats.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Tasks, err = e.store.TaskCounts(ctx); err != nil {
		return s, err
	}
	pending := task.StatusPending
	tasks, err := e.store.ListTasks(ctx, task.Filter{Status: &pending})
	if err != nil {
		return s, err
	}
	statuses, err := e.store.TaskStatuses(ctx, dependencyIDs(tasks))
	if err != nil {
		return s, err
	}
	lookup := task.StatusMap(statuses)
	for _, t := range tasks {
		if task.BlockedForever(t, lookup) {
			s.Blocked++
		}
	}
	if s.Workloads, err = e.store.Workloads(ctx); err != nil {
		return s, err
	}
	if s.Locks, err = e.store.LockCounts(ctx); err != nil {
		return s, err
	}
	conflicts, err := e.store.ListConflicts(ctx, audit.Filter{Unresolved: true})
	if err != nil {
		return s, err
	}
	s.UnresolvedConflicts = len(conflicts)
	alerts, err := e.store.ListAlerts(ctx, audit.Filter{Unresolved: true})
	if err != nil {
		return s, err
	}
	s.UnacknowledgedAlerts = len(alerts)
	return s, nil
}
