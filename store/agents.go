package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/foreman/agent"
)

// UpsertAgent registers a new agent or refreshes an existing one, replacing
// its capability map. CreatedAt of an existing agent is preserved.
func (q *Queries) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	a.UpdatedAt = orNow(a.UpdatedAt)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.UpdatedAt
	}
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, status, last_heartbeat, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, string(a.Status), nullTime(a.LastHeartbeat), a.CreatedAt.UTC(), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return q.SetCapabilities(ctx, a.ID, a.Capabilities)
}

// GetAgent retrieves an agent with its capabilities and current workload.
func (q *Queries) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, status, last_heartbeat, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := q.hydrate(ctx, []*agent.Agent{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns agents in any of the given statuses (all agents when
// none are given), oldest registration first.
func (q *Queries) ListAgents(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error) {
	query := `SELECT id, name, status, last_heartbeat, created_at, updated_at FROM agents`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := q.hydrate(ctx, agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SaveAgent writes name, status and heartbeat. Capabilities are written
// separately by SetCapabilities.
func (q *Queries) SaveAgent(ctx context.Context, a *agent.Agent) error {
	a.UpdatedAt = orNow(a.UpdatedAt)
	res, err := q.db.ExecContext(ctx, `
		UPDATE agents SET name=?, status=?, last_heartbeat=?, updated_at=? WHERE id=?`,
		a.Name, string(a.Status), nullTime(a.LastHeartbeat), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, a.ID)
	}
	return nil
}

// SetCapabilities replaces the capability map of an agent.
func (q *Queries) SetCapabilities(ctx context.Context, agentID string, caps agent.Capabilities) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	for tag, p := range caps.Normalized() {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO agent_capabilities (agent_id, tag, proficiency) VALUES (?,?,?)`,
			agentID, tag, p,
		); err != nil {
			return fmt.Errorf("insert capability %s: %w", tag, err)
		}
	}
	return nil
}

// DeleteAgent removes an agent and its capabilities.
func (q *Queries) DeleteAgent(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("delete capabilities: %w", err)
	}
	return nil
}

// hydrate loads capabilities and workloads for the given agents.
func (q *Queries) hydrate(ctx context.Context, agents []*agent.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	byID := make(map[string]*agent.Agent, len(agents))
	for _, a := range agents {
		a.Capabilities = agent.Capabilities{}
		byID[a.ID] = a
	}

	rows, err := q.db.QueryContext(ctx, `SELECT agent_id, tag, proficiency FROM agent_capabilities`)
	if err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	for rows.Next() {
		var id, tag string
		var p int
		if err := rows.Scan(&id, &tag, &p); err != nil {
			rows.Close()
			return err
		}
		if a, ok := byID[id]; ok {
			a.Capabilities[tag] = p
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	loads, err := q.Workloads(ctx)
	if err != nil {
		return err
	}
	for id, n := range loads {
		if a, ok := byID[id]; ok {
			a.Workload = n
		}
	}
	return nil
}

func scanAgent(s scanner) (*agent.Agent, error) {
	var a agent.Agent
	var status string
	var hb sql.NullTime
	if err := s.Scan(&a.ID, &a.Name, &status, &hb, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	a.LastHeartbeat = timePtr(hb)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
