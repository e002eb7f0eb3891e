package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/audit"
)

// InsertConflict appends a conflict record.
func (q *Queries) InsertConflict(ctx context.Context, c *audit.ConflictRecord) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	c.CreatedAt = orNow(c.CreatedAt)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, kind, project_id, resource_path, agent_ids, task_ids, description, created_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, string(c.Kind), c.ProjectID, c.ResourcePath,
		mustJSON(nonNil(c.AgentIDs)), mustJSON(nonNil(c.TaskIDs)), c.Description,
		c.CreatedAt, nullTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ResolveConflict stamps resolved_at on an unresolved conflict.
func (q *Queries) ResolveConflict(ctx context.Context, id string, at time.Time) error {
	return q.stamp(ctx, `UPDATE conflicts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		`SELECT COUNT(*) FROM conflicts WHERE id = ?`, id, at.UTC())
}

// ListConflicts returns conflicts newest first.
func (q *Queries) ListConflicts(ctx context.Context, f audit.Filter) ([]*audit.ConflictRecord, error) {
	b := strings.Builder{}
	b.WriteString(`SELECT id, kind, project_id, resource_path, agent_ids, task_ids, description, created_at, resolved_at
		FROM conflicts WHERE 1=1`)
	args := []any{}
	if f.Kind != "" {
		b.WriteString(" AND kind = ?")
		args = append(args, f.Kind)
	}
	if f.ResourcePath != "" {
		b.WriteString(" AND resource_path = ?")
		args = append(args, f.ResourcePath)
	}
	if f.AgentID != "" {
		b.WriteString(" AND agent_ids LIKE ?")
		args = append(args, `%"`+f.AgentID+`"%`)
	}
	if f.Unresolved {
		b.WriteString(" AND resolved_at IS NULL")
	}
	finishListQuery(&b, f)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	var out []*audit.ConflictRecord
	for rows.Next() {
		var c audit.ConflictRecord
		var kind, agents, tasks string
		var resolved sql.NullTime
		if err := rows.Scan(&c.ID, &kind, &c.ProjectID, &c.ResourcePath, &agents, &tasks,
			&c.Description, &c.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Kind = audit.ConflictKind(kind)
		_ = json.Unmarshal([]byte(agents), &c.AgentIDs)
		_ = json.Unmarshal([]byte(tasks), &c.TaskIDs)
		c.CreatedAt = c.CreatedAt.UTC()
		c.ResolvedAt = timePtr(resolved)
		if f.Since != nil && c.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// InsertDecision appends a decision record.
func (q *Queries) InsertDecision(ctx context.Context, d *audit.DecisionRecord) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	d.CreatedAt = orNow(d.CreatedAt)
	meta := d.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO decisions (id, kind, task_id, agent_id, description, metadata, created_at, overridden_by, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Kind), d.TaskID, d.AgentID, d.Description, mustJSON(meta),
		d.CreatedAt, d.OverriddenBy, nullTime(d.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

const decisionColumns = `id, kind, task_id, agent_id, description, metadata, created_at, overridden_by, resolved_at`

// GetDecision retrieves a decision by ID.
func (q *Queries) GetDecision(ctx context.Context, id string) (*audit.DecisionRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s", audit.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// OverrideDecision marks a decision as overridden by an operator.
func (q *Queries) OverrideDecision(ctx context.Context, id, by string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE decisions SET overridden_by = ?, resolved_at = ? WHERE id = ?`, by, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("override decision: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: decision %s", audit.ErrNotFound, id)
	}
	return nil
}

// ListDecisions returns decisions newest first.
func (q *Queries) ListDecisions(ctx context.Context, f audit.Filter) ([]*audit.DecisionRecord, error) {
	b := strings.Builder{}
	b.WriteString(`SELECT ` + decisionColumns + ` FROM decisions WHERE 1=1`)
	args := []any{}
	if f.Kind != "" {
		b.WriteString(" AND kind = ?")
		args = append(args, f.Kind)
	}
	if f.TaskID != "" {
		b.WriteString(" AND task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		b.WriteString(" AND agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Unresolved {
		b.WriteString(" AND resolved_at IS NULL")
	}
	finishListQuery(&b, f)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []*audit.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if f.Since != nil && d.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertAlert appends an alert.
func (q *Queries) InsertAlert(ctx context.Context, a *audit.Alert) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	a.CreatedAt = orNow(a.CreatedAt)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO alerts (id, severity, source, title, message, task_id, agent_id, created_at, acknowledged_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Severity), a.Source, a.Title, a.Message, a.TaskID, a.AgentID,
		a.CreatedAt, nullTime(a.AcknowledgedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// AcknowledgeAlert stamps acknowledged_at on an alert.
func (q *Queries) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	return q.stamp(ctx, `UPDATE alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		`SELECT COUNT(*) FROM alerts WHERE id = ?`, id, at.UTC())
}

// ListAlerts returns alerts newest first.
func (q *Queries) ListAlerts(ctx context.Context, f audit.Filter) ([]*audit.Alert, error) {
	b := strings.Builder{}
	b.WriteString(`SELECT id, severity, source, title, message, task_id, agent_id, created_at, acknowledged_at
		FROM alerts WHERE 1=1`)
	args := []any{}
	if f.Severity != "" {
		b.WriteString(" AND severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Kind != "" {
		b.WriteString(" AND source = ?")
		args = append(args, f.Kind)
	}
	if f.TaskID != "" {
		b.WriteString(" AND task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		b.WriteString(" AND agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Unresolved {
		b.WriteString(" AND acknowledged_at IS NULL")
	}
	finishListQuery(&b, f)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []*audit.Alert
	for rows.Next() {
		var a audit.Alert
		var severity string
		var acked sql.NullTime
		if err := rows.Scan(&a.ID, &severity, &a.Source, &a.Title, &a.Message, &a.TaskID, &a.AgentID,
			&a.CreatedAt, &acked); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = audit.Severity(severity)
		a.CreatedAt = a.CreatedAt.UTC()
		a.AcknowledgedAt = timePtr(acked)
		if f.Since != nil && a.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// stamp runs a set-once timestamp update. A row that exists but was already
// stamped is left alone without error.
func (q *Queries) stamp(ctx context.Context, update, exists, id string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, update, at, id)
	if err != nil {
		return fmt.Errorf("stamp %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := q.db.QueryRowContext(ctx, exists, id).Scan(&count); err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	}
	return nil
}

func finishListQuery(b *strings.Builder, f audit.Filter) {
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 && f.Since == nil {
		fmt.Fprintf(b, " LIMIT %d", f.Limit)
	}
}

func scanDecision(s scanner) (*audit.DecisionRecord, error) {
	var d audit.DecisionRecord
	var kind, meta string
	var resolved sql.NullTime
	if err := s.Scan(&d.ID, &kind, &d.TaskID, &d.AgentID, &d.Description, &meta,
		&d.CreatedAt, &d.OverriddenBy, &resolved); err != nil {
		return nil, err
	}
	d.Kind = audit.DecisionKind(kind)
	_ = json.Unmarshal([]byte(meta), &d.Metadata)
	d.CreatedAt = d.CreatedAt.UTC()
	d.ResolvedAt = timePtr(resolved)
	return &d, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
