package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

// TimeoutResult summarizes a timeout tick.
type TimeoutResult struct {
	Checked   int `json:"checked"`
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// deadline returns when t times out in its current status. ok is false for
// statuses the monitor does not watch.
func (e *Engine) deadline(t *task.Task) (time.Time, bool) {
	switch t.Status {
	case task.StatusInProgress:
		if t.StartedAt == nil {
			return time.Time{}, false
		}
		limit := e.settings.InProgressTimeout
		if t.EstimatedMinutes != nil && *t.EstimatedMinutes > 0 {
			limit = 2 * time.Duration(*t.EstimatedMinutes) * time.Minute
		}
		return t.StartedAt.Add(limit), true
	case task.StatusAssigned:
		if t.AssignedAt == nil {
			return time.Time{}, false
		}
		return t.AssignedAt.Add(e.settings.AssignedTimeout), true
	}
	return time.Time{}, false
}

// CheckTimeouts runs one timeout tick. Timed-out tasks with retries left go
// back to pending; the rest fail and are escalated.
func (e *Engine) CheckTimeouts(ctx context.Context) (TimeoutResult, error) {
	var res TimeoutResult
	now := e.clock()
	for _, st := range []task.Status{task.StatusInProgress, task.StatusAssigned} {
		st := st
		tasks, err := e.store.ListTasks(ctx, task.Filter{Status: &st})
		if err != nil {
			return res, fmt.Errorf("load %s tasks: %w", st, err)
		}
		for _, t := range tasks {
			res.Checked++
			if due, ok := e.deadline(t); !ok || now.Before(due) {
				continue
			}
			escalated, err := e.expireTask(ctx, t.ID)
			switch {
			case err != nil:
				res.Errors++
				e.logger.Warn("timeout handling failed", "task_id", t.ID, "err", err)
			case escalated:
				res.Escalated++
			default:
				res.Retried++
			}
		}
	}
	if res.Retried+res.Escalated > 0 {
		e.logger.Info("timeout tick", "checked", res.Checked, "retried", res.Retried, "escalated", res.Escalated)
	}
	return res, nil
}

func (e *Engine) expireTask(ctx context.Context, id string) (escalated bool, err error) {
	err = e.inTx(ctx, func(r store.Repo, out *outbox) error {
		escalated = false
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		now := e.clock()
		due, ok := e.deadline(t)
		if !ok || now.Before(due) {
			return fmt.Errorf("%w: task %s is no longer timed out", task.ErrConflict, id)
		}
		expect, agentID := t.Status, t.AssignedTo

		if t.RetryCount < task.MaxRetries {
			note := fmt.Sprintf("timeout, retry %d/%d", t.RetryCount+1, task.MaxRetries)
			if err := t.Requeue(note, true); err != nil {
				return err
			}
			t.UpdatedAt = now
			if err := r.SaveTask(ctx, t, expect); err != nil {
				return err
			}
			if _, err := e.decide(ctx, r, audit.DecisionRecord{
				Kind:        audit.DecisionRetry,
				TaskID:      t.ID,
				AgentID:     agentID,
				Description: note,
				Metadata: map[string]string{
					"source":      LoopTimeouts,
					"from":        string(expect),
					"retry_count": strconv.Itoa(t.RetryCount),
				},
			}); err != nil {
				return err
			}
			out.add(comms.TaskRetried, t.ID, note, map[string]string{"agent_id": agentID})
			out.then(e.metrics.Retries.Inc)
			return nil
		}

		msg := fmt.Sprintf("timed out in %s after %d retries", expect, t.RetryCount)
		if err := t.Fail(msg, now); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := r.SaveTask(ctx, t, expect); err != nil {
			return err
		}
		if _, err := e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionEscalation,
			TaskID:      t.ID,
			AgentID:     agentID,
			Description: msg,
			Metadata:    map[string]string{"reason": reasonRetryLimit, "source": LoopTimeouts},
		}); err != nil {
			return err
		}
		if err := e.raise(ctx, r, out, audit.Alert{
			Severity: audit.SeverityHigh,
			Source:   LoopTimeouts,
			Title:    "task retry limit exhausted",
			Message:  fmt.Sprintf("task %q %s", t.Title, msg),
			TaskID:   t.ID,
			AgentID:  agentID,
		}); err != nil {
			return err
		}
		out.add(comms.TaskEscalated, t.ID, msg, map[string]string{"reason": reasonRetryLimit, "agent_id": agentID})
		escalated = true
		return nil
	})
	return escalated, err
}
