package task

import (
	"fmt"
	"strings"
	"time"
)

// The methods below are the only way the engine changes a task's status.
// Each one checks the current status first and returns an error wrapping
// ErrConflict, leaving the task untouched, when the move is not allowed.

func conflict(t *Task, op string) error {
	return fmt.Errorf("%w: cannot %s task %s in status %s", ErrConflict, op, t.ID, t.Status)
}

// Assign moves a pending task to agentID.
func (t *Task) Assign(agentID string, now time.Time) error {
	if t.Status != StatusPending {
		return conflict(t, "assign")
	}
	if agentID == "" {
		return fmt.Errorf("%w: assign requires an agent id", ErrInvalid)
	}
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.LastAgent = agentID
	t.AssignedAt = &now
	t.StartedAt = nil
	return nil
}

// Start marks an assigned task as being worked on. An empty agentID skips
// the assignee check.
func (t *Task) Start(agentID string, now time.Time) error {
	if t.Status != StatusAssigned {
		return conflict(t, "start")
	}
	if agentID != "" && agentID != t.AssignedTo {
		return fmt.Errorf("%w: task %s is assigned to %s, not %s", ErrConflict, t.ID, t.AssignedTo, agentID)
	}
	t.Status = StatusInProgress
	t.StartedAt = &now
	return nil
}

// Complete finishes an in-progress task. When actualMinutes is nil the
// elapsed time since StartedAt is recorded.
func (t *Task) Complete(result string, actualMinutes *int, now time.Time) error {
	if t.Status != StatusInProgress {
		return conflict(t, "complete")
	}
	if actualMinutes == nil && t.StartedAt != nil {
		m := int(now.Sub(*t.StartedAt).Round(time.Minute) / time.Minute)
		actualMinutes = &m
	}
	t.Status = StatusCompleted
	t.Result = result
	t.ActualMinutes = actualMinutes
	t.CompletedAt = &now
	t.AssignedTo = ""
	return nil
}

// Fail marks an assigned or in-progress task as failed.
func (t *Task) Fail(reason string, now time.Time) error {
	if t.Status != StatusInProgress && t.Status != StatusAssigned {
		return conflict(t, "fail")
	}
	t.Status = StatusFailed
	t.annotate(reason)
	t.CompletedAt = &now
	t.AssignedTo = ""
	return nil
}

// CanRetry reports whether Retry would succeed.
func (t *Task) CanRetry() bool {
	return t.Status == StatusFailed && t.RetryCount < MaxRetries
}

// Retry returns a failed task to the queue, consuming one retry.
func (t *Task) Retry() error {
	if t.Status != StatusFailed {
		return conflict(t, "retry")
	}
	if t.RetryCount >= MaxRetries {
		return fmt.Errorf("%w: task %s exhausted %d retries", ErrConflict, t.ID, MaxRetries)
	}
	t.RetryCount++
	t.reset()
	return nil
}

// Cancel withdraws a task that has not been started.
func (t *Task) Cancel(now time.Time) error {
	if t.Status != StatusPending && t.Status != StatusAssigned {
		return conflict(t, "cancel")
	}
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.AssignedTo = ""
	return nil
}

// Requeue takes an active task away from its agent and puts it back to
// pending with the annotation appended. countRetry consumes one retry; it is
// false when the cause lies with the agent rather than the task.
func (t *Task) Requeue(annotation string, countRetry bool) error {
	if !t.Status.Active() {
		return conflict(t, "requeue")
	}
	if countRetry {
		if t.RetryCount >= MaxRetries {
			return fmt.Errorf("%w: task %s exhausted %d retries", ErrConflict, t.ID, MaxRetries)
		}
		t.RetryCount++
	}
	t.annotate(annotation)
	t.reset()
	return nil
}

// Reassign hands an active task to another agent. The task restarts from
// assigned.
func (t *Task) Reassign(agentID string, now time.Time) error {
	if !t.Status.Active() {
		return conflict(t, "reassign")
	}
	if agentID == "" {
		return fmt.Errorf("%w: reassign requires an agent id", ErrInvalid)
	}
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.LastAgent = agentID
	t.AssignedAt = &now
	t.StartedAt = nil
	return nil
}

func (t *Task) reset() {
	t.Status = StatusPending
	t.AssignedTo = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.CompletedAt = nil
}

func (t *Task) annotate(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if t.Error == "" {
		t.Error = msg
		return
	}
	t.Error += "; " + msg
}
