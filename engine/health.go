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
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

// RegisterRequest registers or refreshes an agent.
type RegisterRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Capabilities agent.Capabilities `json:"capabilities"`
}

// RegisterAgent upserts an agent as idle with a fresh heartbeat.
func (e *Engine) RegisterAgent(ctx context.Context, req RegisterRequest) (*agent.Agent, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: agent id is required", agent.ErrInvalid)
	}
	name := req.Name
	if name == "" {
		name = id
	}
	now := e.clock()
	a := &agent.Agent{
		ID:            id,
		Name:          name,
		Status:        agent.StatusIdle,
		Capabilities:  req.Capabilities.Normalized(),
		LastHeartbeat: &now,
		UpdatedAt:     now,
	}
	var saved *agent.Agent
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		if err := r.UpsertAgent(ctx, a); err != nil {
			return err
		}
		var err error
		if saved, err = r.GetAgent(ctx, id); err != nil {
			return err
		}
		out.add(comms.AgentRegistered, id, name, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("agent registered", "agent_id", id, "capabilities", len(a.Capabilities))
	return saved, nil
}

// Heartbeat refreshes an agent's heartbeat. A non-empty status replaces the
// agent's status; otherwise an inactive or errored agent comes back as idle.
func (e *Engine) Heartbeat(ctx context.Context, agentID string, status agent.Status) (*agent.Agent, error) {
	if status != "" && (!status.Valid() || status == agent.StatusInactive) {
		return nil, fmt.Errorf("%w: heartbeat status %q", agent.ErrInvalid, status)
	}
	var saved *agent.Agent
	err := e.inTx(ctx, func(r store.Repo, _ *outbox) error {
		a, err := r.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		now := e.clock()
		a.LastHeartbeat = &now
		a.UpdatedAt = now
		switch {
		case status != "":
			a.Status = status
		case !a.Status.Monitored():
			a.Status = agent.StatusIdle
		}
		if err := r.SaveAgent(ctx, a); err != nil {
			return err
		}
		saved = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SetCapabilities replaces an agent's capability map.
func (e *Engine) SetCapabilities(ctx context.Context, agentID string, caps agent.Capabilities) (*agent.Agent, error) {
	var saved *agent.Agent
	err := e.inTx(ctx, func(r store.Repo, _ *outbox) error {
		if _, err := r.GetAgent(ctx, agentID); err != nil {
			return err
		}
		if err := r.SetCapabilities(ctx, agentID, caps); err != nil {
			return err
		}
		var err error
		saved, err = r.GetAgent(ctx, agentID)
		return err
	})
	return saved, err
}

// DeleteAgent removes an agent that holds no assigned or in-progress tasks.
func (e *Engine) DeleteAgent(ctx context.Context, agentID string) error {
	err := e.inTx(ctx, func(r store.Repo, _ *outbox) error {
		a, err := r.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Workload > 0 {
			return fmt.Errorf("%w: agent %s still holds %d task(s); reassign them first",
				agent.ErrConflict, agentID, a.Workload)
		}
		return r.DeleteAgent(ctx, agentID)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.warned, agentID)
	e.mu.Unlock()
	return nil
}

// GetAgent returns one agent with its workload.
func (e *Engine) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return e.store.GetAgent(ctx, id)
}

// ListAgents returns agents in the given statuses, or all of them.
func (e *Engine) ListAgents(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error) {
	return e.store.ListAgents(ctx, statuses...)
}

// HealthResult summarizes a health tick.
type HealthResult struct {
	Checked  int `json:"checked"`
	Healthy  int `json:"healthy"`
	Warned   int `json:"warned"`
	Demoted  int `json:"demoted"`
	Requeued int `json:"requeued"`
	Errors   int `json:"errors"`
}

// CheckHealth runs one health tick over active, busy and idle agents that
// have sent at least one heartbeat.
func (e *Engine) CheckHealth(ctx context.Context) (HealthResult, error) {
	var res HealthResult
	agents, err := e.store.ListAgents(ctx, agent.StatusActive, agent.StatusBusy, agent.StatusIdle)
	if err != nil {
		return res, fmt.Errorf("load agents: %w", err)
	}
	now := e.clock()
	for _, a := range agents {
		since, ok := a.SinceHeartbeat(now)
		if !ok {
			continue
		}
		res.Checked++
		switch {
		case since < e.settings.HeartbeatWarn:
			res.Healthy++
		case since < e.settings.HeartbeatDead:
			res.Warned++
			if err := e.warnStale(ctx, a, since); err != nil {
				res.Errors++
				e.logger.Warn("stale agent warning failed", "agent_id", a.ID, "err", err)
			}
		default:
			n, demoted, err := e.demote(ctx, a.ID)
			if err != nil {
				res.Errors++
				e.logger.Warn("agent demotion failed", "agent_id", a.ID, "err", err)
				continue
			}
			if demoted {
				res.Demoted++
				res.Requeued += n
			}
		}
	}
	return res, nil
}

// warnStale raises one warning per heartbeat value; a newer heartbeat re-arms
// it.
func (e *Engine) warnStale(ctx context.Context, a *agent.Agent, since time.Duration) error {
	hb := *a.LastHeartbeat
	e.mu.Lock()
	last, seen := e.warned[a.ID]
	e.mu.Unlock()
	if seen && last.Equal(hb) {
		return nil
	}
	mins := strconv.Itoa(int(since / time.Minute))
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		out.add(comms.AgentStale, a.ID, "", map[string]string{"minutes_since_heartbeat": mins})
		return e.raise(ctx, r, out, audit.Alert{
			Severity: audit.SeverityWarning,
			Source:   LoopHealth,
			Title:    "agent heartbeat stale",
			Message:  fmt.Sprintf("agent %s has not sent a heartbeat for %s minutes", a.ID, mins),
			AgentID:  a.ID,
		})
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.warned[a.ID] = hb
	e.mu.Unlock()
	return nil
}

// demote marks a silent agent inactive and returns every task it held to
// the queue, in one transaction. The requeue does not consume a retry since
// the task did not fail. demoted is false when the agent recovered or
// changed status since the snapshot.
func (e *Engine) demote(ctx context.Context, agentID string) (requeued int, demoted bool, err error) {
	err = e.inTx(ctx, func(r store.Repo, out *outbox) error {
		requeued, demoted = 0, false
		a, err := r.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		now := e.clock()
		since, ok := a.SinceHeartbeat(now)
		if !a.Status.Monitored() || !ok || since < e.settings.HeartbeatDead {
			return nil
		}
		prev := a.Status
		a.Status = agent.StatusInactive
		a.UpdatedAt = now
		if err := r.SaveAgent(ctx, a); err != nil {
			return err
		}

		tasks, err := r.ListTasks(ctx, task.Filter{AssignedTo: agentID})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !t.Status.Active() {
				continue
			}
			expect := t.Status
			if err := t.Requeue("agent unresponsive", false); err != nil {
				return err
			}
			t.UpdatedAt = now
			if err := r.SaveTask(ctx, t, expect); err != nil {
				return err
			}
			if _, err := e.decide(ctx, r, audit.DecisionRecord{
				Kind:        audit.DecisionReassignment,
				TaskID:      t.ID,
				AgentID:     agentID,
				Description: "returned to queue: agent unresponsive",
				Metadata:    map[string]string{"source": LoopHealth, "from": string(expect)},
			}); err != nil {
				return err
			}
			out.add(comms.TaskRequeued, t.ID, "agent unresponsive", map[string]string{"agent_id": agentID})
			requeued++
		}

		mins := int(since / time.Minute)
		msg := fmt.Sprintf("agent %s silent for %d minutes; %d task(s) returned to the queue", agentID, mins, requeued)
		if _, err := e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionAgentDemoted,
			AgentID:     agentID,
			Description: msg,
			Metadata: map[string]string{
				"previous_status": string(prev),
				"requeued":        strconv.Itoa(requeued),
			},
		}); err != nil {
			return err
		}
		if err := e.raise(ctx, r, out, audit.Alert{
			Severity: audit.SeverityHigh,
			Source:   LoopHealth,
			Title:    "agent unresponsive",
			Message:  msg,
			AgentID:  agentID,
		}); err != nil {
			return err
		}
		out.add(comms.AgentDemoted, agentID, msg, map[string]string{"requeued": strconv.Itoa(requeued)})
		out.then(e.metrics.AgentsDemoted.Inc)
		demoted = true
		return nil
	})
	return requeued, demoted, err
}
