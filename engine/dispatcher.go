package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

// Assignment is one task handed out by a dispatch tick.
type Assignment struct {
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// DispatchResult summarizes a dispatch tick.
type DispatchResult struct {
	Considered        int          `json:"considered"`
	Assigned          int          `json:"assigned"`
	SkippedDependency int          `json:"skipped_dependency"`
	SkippedNoAgent    int          `json:"skipped_no_agent"`
	Errors            int          `json:"errors"`
	Assignments       []Assignment `json:"assignments"`
}

const (
	skipDependency = "dependency"
	skipNoAgent    = "no_agent"
)

// Dispatch runs one dispatcher tick: it takes the most urgent pending tasks
// and assigns each to the best matching agent. A failure on one task is
// counted and the tick moves on. Only a failure to load the snapshot aborts
// the tick.
func (e *Engine) Dispatch(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	pending := task.StatusPending
	tasks, err := e.store.ListTasks(ctx, task.Filter{Status: &pending, Limit: e.settings.BatchSize})
	if err != nil {
		return res, fmt.Errorf("load pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return res, nil
	}
	agents, err := e.store.ListAgents(ctx, agent.StatusActive, agent.StatusIdle)
	if err != nil {
		return res, fmt.Errorf("load agents: %w", err)
	}
	candidates := agents[:0]
	for _, a := range agents {
		if a.Workload < e.settings.ConcurrencyCap {
			candidates = append(candidates, a)
		}
	}
	statuses, err := e.store.TaskStatuses(ctx, dependencyIDs(tasks))
	if err != nil {
		return res, fmt.Errorf("load dependency statuses: %w", err)
	}
	lookup := task.StatusMap(statuses)

	var unmatched []*task.Task
	for _, t := range tasks {
		res.Considered++
		if !task.IsAssignable(t, lookup) {
			res.SkippedDependency++
			e.metrics.DispatchSkipped.WithLabelValues(skipDependency).Inc()
			continue
		}
		m, ok := e.matcher.Match(t, candidates)
		if !ok {
			res.SkippedNoAgent++
			e.metrics.DispatchSkipped.WithLabelValues(skipNoAgent).Inc()
			unmatched = append(unmatched, t)
			continue
		}
		if err := e.dispatchOne(ctx, t.ID, m); err != nil {
			res.Errors++
			e.logger.Warn("dispatch failed", "task_id", t.ID, "agent_id", m.Agent.ID, "err", err)
			continue
		}
		// The snapshot's workload doubles as the remaining-capacity counter,
		// so one tick never pushes an agent past the cap.
		m.Agent.Workload++
		res.Assigned++
		res.Assignments = append(res.Assignments, Assignment{TaskID: t.ID, AgentID: m.Agent.ID, Score: m.Score})
	}

	if err := e.flagCapabilityGaps(ctx, res, unmatched); err != nil {
		res.Errors++
		e.logger.Warn("capability gap check failed", "err", err)
	}
	e.logger.Debug("dispatch tick",
		"considered", res.Considered, "assigned", res.Assigned,
		"skipped_dependency", res.SkippedDependency, "skipped_no_agent", res.SkippedNoAgent,
		"errors", res.Errors)
	return res, nil
}

// dispatchOne commits a single assignment. The task and agent are re-read
// inside the transaction so a concurrent change made since the snapshot
// wins.
func (e *Engine) dispatchOne(ctx context.Context, taskID string, m Match) error {
	return e.inTx(ctx, func(r store.Repo, out *outbox) error {
		t, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		a, err := r.GetAgent(ctx, m.Agent.ID)
		if err != nil {
			return err
		}
		if reason := e.matcher.Reject(a, t); reason != "" {
			return fmt.Errorf("%w: %s", task.ErrConflict, reason)
		}
		now := e.clock()
		if err := t.Assign(a.ID, now); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := r.SaveTask(ctx, t, task.StatusPending); err != nil {
			return err
		}
		score := strconv.FormatFloat(m.Score, 'f', 2, 64)
		if _, err := e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionAssignment,
			TaskID:      t.ID,
			AgentID:     a.ID,
			Description: fmt.Sprintf("dispatched to %s (score %s)", a.ID, score),
			Metadata:    map[string]string{"source": "dispatcher", "score": score},
		}); err != nil {
			return err
		}
		out.add(comms.TaskAssigned, t.ID, "", map[string]string{"agent_id": a.ID, "score": score})
		out.then(e.metrics.Dispatched.Inc)
		return nil
	})
}

// flagCapabilityGaps raises a warning when most of a tick found no capable
// agent, and escalates each task that has waited past the staleness window
// since it was last queued without one. A task is escalated at most once.
// The warning fires once per distinct set of unmatched tasks and re-arms
// when the gap closes or the set changes.
func (e *Engine) flagCapabilityGaps(ctx context.Context, res DispatchResult, unmatched []*task.Task) error {
	s := e.settings
	now := e.clock()
	gap := res.Considered >= s.CapabilityGapMinTasks && res.Considered > 0 &&
		float64(res.SkippedNoAgent)/float64(res.Considered) > s.CapabilityGapRatio
	key := ""
	if gap {
		key = unmatchedKey(unmatched)
	}
	e.mu.Lock()
	warn := gap && key != e.gapWarned
	if !gap {
		e.gapWarned = ""
	}
	e.mu.Unlock()

	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		if warn {
			if err := e.raise(ctx, r, out, audit.Alert{
				Severity: audit.SeverityWarning,
				Source:   LoopDispatch,
				Title:    "capability gap",
				Message: fmt.Sprintf("%d of %d pending tasks had no capable agent with free capacity",
					res.SkippedNoAgent, res.Considered),
			}); err != nil {
				return err
			}
		}
		for _, t := range unmatched {
			// UpdatedAt of a pending task marks when it was last queued.
			waited := now.Sub(t.UpdatedAt)
			if waited < s.StalePendingAfter {
				continue
			}
			done, err := r.ListDecisions(ctx, audit.Filter{Kind: string(audit.DecisionEscalation), TaskID: t.ID})
			if err != nil {
				return err
			}
			if hasReason(done, reasonCapabilityGap) {
				continue
			}
			msg := fmt.Sprintf("task %q has waited %s with no capable agent (needs %v)",
				t.Title, waited.Round(time.Minute), t.RequiredCapabilities.Slice())
			if _, err := e.decide(ctx, r, audit.DecisionRecord{
				Kind:        audit.DecisionEscalation,
				TaskID:      t.ID,
				Description: msg,
				Metadata:    map[string]string{"reason": reasonCapabilityGap},
			}); err != nil {
				return err
			}
			if err := e.raise(ctx, r, out, audit.Alert{
				Severity: audit.SeverityHigh,
				Source:   LoopDispatch,
				Title:    "unresolved capability gap",
				Message:  msg,
				TaskID:   t.ID,
			}); err != nil {
				return err
			}
			out.add(comms.TaskEscalated, t.ID, msg, map[string]string{"reason": reasonCapabilityGap})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if warn {
		e.mu.Lock()
		e.gapWarned = key
		e.mu.Unlock()
	}
	return nil
}

func unmatchedKey(tasks []*task.Task) string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	slices.Sort(ids)
	return strings.Join(ids, ",")
}

const (
	reasonCapabilityGap = "capability_gap"
	reasonRetryLimit    = "retry_limit"
)

func hasReason(ds []*audit.DecisionRecord, reason string) bool {
	for _, d := range ds {
		if d.Metadata["reason"] == reason {
			return true
		}
	}
	return false
}
