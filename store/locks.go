package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/lock"
)

const lockColumns = `id, project_id, resource_path, holder_agent_id, lock_type, status,
	acquired_at, expires_at, released_at, release_reason`

// InsertLock persists a new lock row.
func (q *Queries) InsertLock(ctx context.Context, l *lock.FileLock) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	l.AcquiredAt = orNow(l.AcquiredAt)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO locks (`+lockColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ProjectID, l.ResourcePath, l.HolderAgentID, string(l.Type), string(l.Status),
		l.AcquiredAt, nullTime(l.ExpiresAt), nullTime(l.ReleasedAt), l.ReleaseReason,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: exclusive lock already active on %s", lock.ErrConflict, l.ResourcePath)
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// GetLock retrieves a lock by ID.
func (q *Queries) GetLock(ctx context.Context, id string) (*lock.FileLock, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lock.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// SaveLock writes back type, status, expiry and release fields, guarded by
// the status the caller read.
func (q *Queries) SaveLock(ctx context.Context, l *lock.FileLock, expect lock.Status) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE locks SET lock_type=?, status=?, expires_at=?, released_at=?, release_reason=?
		WHERE id=? AND status=?`,
		string(l.Type), string(l.Status), nullTime(l.ExpiresAt), nullTime(l.ReleasedAt), l.ReleaseReason,
		l.ID, string(expect),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: exclusive lock already active on %s", lock.ErrConflict, l.ResourcePath)
		}
		return fmt.Errorf("update lock: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetLock(ctx, l.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: lock %s is no longer %s", lock.ErrConflict, l.ID, expect)
	}
	return nil
}

// ActiveLocks returns the active rows on one resource, oldest first.
func (q *Queries) ActiveLocks(ctx context.Context, projectID, path string) ([]*lock.FileLock, error) {
	status := lock.StatusActive
	return q.ListLocks(ctx, lock.Filter{ProjectID: projectID, ResourcePath: path, Status: &status})
}

// ListLocks returns locks matching the filter, oldest acquisition first.
// An empty ProjectID only matches locks without a project when
// ResourcePath is set, so that resources are always scoped.
func (q *Queries) ListLocks(ctx context.Context, f lock.Filter) ([]*lock.FileLock, error) {
	b := strings.Builder{}
	b.WriteString(`SELECT ` + lockColumns + ` FROM locks WHERE 1=1`)
	args := []any{}
	if f.ResourcePath != "" {
		b.WriteString(" AND project_id = ? AND resource_path = ?")
		args = append(args, f.ProjectID, f.ResourcePath)
	} else if f.ProjectID != "" {
		b.WriteString(" AND project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.HolderAgentID != "" {
		b.WriteString(" AND holder_agent_id = ?")
		args = append(args, f.HolderAgentID)
	}
	if f.Status != nil {
		b.WriteString(" AND status = ?")
		args = append(args, string(*f.Status))
	}
	b.WriteString(" ORDER BY acquired_at ASC, id ASC")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var locks []*lock.FileLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// DeleteLocks hard-deletes the given rows.
func (q *Queries) DeleteLocks(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := q.db.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, id)
		if err != nil {
			return total, fmt.Errorf("delete lock %s: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// LockCounts counts lock rows by status.
func (q *Queries) LockCounts(ctx context.Context) (map[lock.Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM locks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count locks: %w", err)
	}
	defer rows.Close()
	out := make(map[lock.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[lock.Status(status)] = n
	}
	return out, rows.Err()
}

// AddWaiter records that agentID was refused the resource. Repeated refusals
// keep the first request time.
func (q *Queries) AddWaiter(ctx context.Context, projectID, path, agentID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO lock_waiters (project_id, resource_path, agent_id, requested_at)
		VALUES (?,?,?,?)
		ON CONFLICT(project_id, resource_path, agent_id) DO NOTHING`,
		projectID, path, agentID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add waiter: %w", err)
	}
	return nil
}

// RemoveWaiter forgets a waiting agent.
func (q *Queries) RemoveWaiter(ctx context.Context, projectID, path, agentID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM lock_waiters WHERE project_id = ? AND resource_path = ? AND agent_id = ?`,
		projectID, path, agentID,
	)
	if err != nil {
		return fmt.Errorf("remove waiter: %w", err)
	}
	return nil
}

// Waiters lists agents waiting for a resource, earliest first.
func (q *Queries) Waiters(ctx context.Context, projectID, path string) ([]Waiter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT agent_id, requested_at FROM lock_waiters
		WHERE project_id = ? AND resource_path = ?
		ORDER BY requested_at ASC`, projectID, path)
	if err != nil {
		return nil, fmt.Errorf("list waiters: %w", err)
	}
	defer rows.Close()
	var out []Waiter
	for rows.Next() {
		var w Waiter
		if err := rows.Scan(&w.AgentID, &w.RequestedAt); err != nil {
			return nil, err
		}
		w.RequestedAt = w.RequestedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClearWaiters forgets every waiter of a resource.
func (q *Queries) ClearWaiters(ctx context.Context, projectID, path string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM lock_waiters WHERE project_id = ? AND resource_path = ?`, projectID, path)
	if err != nil {
		return fmt.Errorf("clear waiters: %w", err)
	}
	return nil
}

// DeleteWaitersBefore drops waiters that asked before the cutoff.
func (q *Queries) DeleteWaitersBefore(ctx context.Context, before time.Time) (int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT project_id, resource_path, agent_id, requested_at FROM lock_waiters`)
	if err != nil {
		return 0, fmt.Errorf("scan waiters: %w", err)
	}
	type key struct{ project, path, agent string }
	var stale []key
	for rows.Next() {
		var k key
		var at time.Time
		if err := rows.Scan(&k.project, &k.path, &k.agent, &at); err != nil {
			rows.Close()
			return 0, err
		}
		if at.Before(before) {
			stale = append(stale, k)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, k := range stale {
		if err := q.RemoveWaiter(ctx, k.project, k.path, k.agent); err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}

func scanLock(s scanner) (*lock.FileLock, error) {
	var l lock.FileLock
	var typ, status string
	var expiresAt, releasedAt sql.NullTime
	err := s.Scan(
		&l.ID, &l.ProjectID, &l.ResourcePath, &l.HolderAgentID, &typ, &status,
		&l.AcquiredAt, &expiresAt, &releasedAt, &l.ReleaseReason,
	)
	if err != nil {
		return nil, err
	}
	l.Type = lock.Type(typ)
	l.Status = lock.Status(status)
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = timePtr(expiresAt)
	l.ReleasedAt = timePtr(releasedAt)
	return &l, nil
}
