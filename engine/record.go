package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/store"
)

// decide appends a decision inside the caller's transaction.
func (e *Engine) decide(ctx context.Context, r store.Repo, d audit.DecisionRecord) (*audit.DecisionRecord, error) {
	d.CreatedAt = e.clock()
	if err := r.InsertDecision(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// raise appends an alert inside the caller's transaction and queues its
// event.
func (e *Engine) raise(ctx context.Context, r store.Repo, out *outbox, a audit.Alert) error {
	a.CreatedAt = e.clock()
	if err := r.InsertAlert(ctx, &a); err != nil {
		return err
	}
	if a.Severity == audit.SeverityHigh {
		out.then(e.metrics.Escalations.Inc)
	}
	out.add(comms.AlertRaised, a.ID, a.Title, map[string]string{
		"severity": string(a.Severity),
		"source":   a.Source,
		"task_id":  a.TaskID,
		"agent_id": a.AgentID,
	})
	out.then(func() {
		e.logger.Warn("alert raised",
			"severity", a.Severity, "source", a.Source, "title", a.Title,
			"task_id", a.TaskID, "agent_id", a.AgentID)
	})
	return nil
}

// ListDecisions returns decision records newest first.
func (e *Engine) ListDecisions(ctx context.Context, f audit.Filter) ([]*audit.DecisionRecord, error) {
	return e.store.ListDecisions(ctx, f)
}

// OverrideDecision marks a decision as overridden by an operator and
// appends an override decision carrying the note.
func (e *Engine) OverrideDecision(ctx context.Context, id, by, note string) (*audit.DecisionRecord, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, fmt.Errorf("%w: override requires an operator name", audit.ErrInvalid)
	}
	var override *audit.DecisionRecord
	err := e.inTx(ctx, func(r store.Repo, _ *outbox) error {
		orig, err := r.GetDecision(ctx, id)
		if err != nil {
			return err
		}
		if orig.OverriddenBy != "" {
			return fmt.Errorf("%w: decision %s already overridden by %s", audit.ErrInvalid, id, orig.OverriddenBy)
		}
		if err := r.OverrideDecision(ctx, id, by, e.clock()); err != nil {
			return err
		}
		override, err = e.decide(ctx, r, audit.DecisionRecord{
			Kind:        audit.DecisionOverride,
			TaskID:      orig.TaskID,
			AgentID:     orig.AgentID,
			Description: note,
			Metadata:    map[string]string{"overrides": id, "by": by, "original_kind": string(orig.Kind)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("decision overridden", "decision_id", id, "by", by)
	return override, nil
}

// ListAlerts returns alerts newest first.
func (e *Engine) ListAlerts(ctx context.Context, f audit.Filter) ([]*audit.Alert, error) {
	return e.store.ListAlerts(ctx, f)
}

// AcknowledgeAlert marks an alert as seen. Acknowledging twice is a no-op.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id string) error {
	return e.store.AcknowledgeAlert(ctx, id, e.clock())
}
