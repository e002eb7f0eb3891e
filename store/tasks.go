package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/foreman/task"
)

const taskColumns = `id, project_id, title, description, status, priority,
	required_capabilities, dependencies, assigned_to, last_agent,
	assigned_at, started_at, completed_at, estimated_minutes, actual_minutes,
	retry_count, result, error, created_at, updated_at`

// CreateTask persists a new task. A missing ID or CreatedAt is filled in.
// Priority is written as given, so the zero value stores PriorityCritical;
// callers wanting the normal default go through engine.Enqueue, which
// applies it when no priority is requested.
func (q *Queries) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	t.CreatedAt = orNow(t.CreatedAt)
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), int(t.Priority),
		mustJSON(t.RequiredCapabilities), mustJSON(t.Dependencies), t.AssignedTo, t.LastAgent,
		nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		nullInt(t.EstimatedMinutes), nullInt(t.ActualMinutes),
		t.RetryCount, t.Result, t.Error,
		t.CreatedAt, t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (q *Queries) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, most urgent first and oldest
// first within a priority.
func (q *Queries) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	b := strings.Builder{}
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	args := []any{}

	if f.Status != nil {
		b.WriteString(" AND status = ?")
		args = append(args, string(*f.Status))
	}
	if f.ProjectID != "" {
		b.WriteString(" AND project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.AssignedTo != "" {
		b.WriteString(" AND assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.Priority != nil {
		b.WriteString(" AND priority = ?")
		args = append(args, int(*f.Priority))
	}
	b.WriteString(" ORDER BY priority ASC, created_at ASC, id ASC")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
		if f.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", f.Offset)
		}
	}

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveTask writes every mutable column of t, guarded by the status the
// caller read.
func (q *Queries) SaveTask(ctx context.Context, t *task.Task, expect task.Status) error {
	t.UpdatedAt = orNow(t.UpdatedAt)
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET
			project_id=?, title=?, description=?, status=?, priority=?,
			required_capabilities=?, dependencies=?, assigned_to=?, last_agent=?,
			assigned_at=?, started_at=?, completed_at=?, estimated_minutes=?, actual_minutes=?,
			retry_count=?, result=?, error=?, updated_at=?
		WHERE id=? AND status=?`,
		t.ProjectID, t.Title, t.Description, string(t.Status), int(t.Priority),
		mustJSON(t.RequiredCapabilities), mustJSON(t.Dependencies), t.AssignedTo, t.LastAgent,
		nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		nullInt(t.EstimatedMinutes), nullInt(t.ActualMinutes),
		t.RetryCount, t.Result, t.Error, t.UpdatedAt,
		t.ID, string(expect),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is no longer %s", task.ErrConflict, t.ID, expect)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (q *Queries) DeleteTask(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

// TaskStatuses returns the status of each listed task that exists.
func (q *Queries) TaskStatuses(ctx context.Context, ids []string) (map[string]task.Status, error) {
	out := make(map[string]task.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.db.QueryContext(ctx, `SELECT id, status FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("task statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = task.Status(status)
	}
	return out, rows.Err()
}

// TaskCounts aggregates tasks by status and priority and averages the
// actual duration of completed tasks.
func (q *Queries) TaskCounts(ctx context.Context) (TaskCounts, error) {
	counts := TaskCounts{
		ByStatus:   make(map[task.Status]int),
		ByPriority: make(map[task.Priority]int),
	}
	rows, err := q.db.QueryContext(ctx, `SELECT status, priority, COUNT(*) FROM tasks GROUP BY status, priority`)
	if err != nil {
		return counts, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var priority, n int
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return counts, err
		}
		counts.ByStatus[task.Status(status)] += n
		counts.ByPriority[task.Priority(priority)] += n
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	var avg sql.NullFloat64
	err = q.db.QueryRowContext(ctx, `
		SELECT AVG(actual_minutes), COUNT(actual_minutes) FROM tasks
		WHERE status = ? AND actual_minutes IS NOT NULL`, string(task.StatusCompleted),
	).Scan(&avg, &counts.CompletedWithDuration)
	if err != nil {
		return counts, fmt.Errorf("average completion: %w", err)
	}
	if avg.Valid {
		counts.AvgCompletionMinutes = avg.Float64
	}
	return counts, nil
}

// Workloads counts assigned and in-progress tasks per agent.
func (q *Queries) Workloads(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT assigned_to, COUNT(*) FROM tasks
		WHERE status IN (?, ?) AND assigned_to != ''
		GROUP BY assigned_to`,
		string(task.StatusAssigned), string(task.StatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("workloads: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanTask(s scanner) (*task.Task, error) {
	var t task.Task
	var status, capsJSON, depsJSON string
	var priority int
	var assignedAt, startedAt, completedAt sql.NullTime
	var estimated, actual sql.NullInt64

	err := s.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &priority,
		&capsJSON, &depsJSON, &t.AssignedTo, &t.LastAgent,
		&assignedAt, &startedAt, &completedAt, &estimated, &actual,
		&t.RetryCount, &t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	_ = json.Unmarshal([]byte(capsJSON), &t.RequiredCapabilities)
	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	if t.RequiredCapabilities == nil {
		t.RequiredCapabilities = task.NewSet()
	}
	if t.Dependencies == nil {
		t.Dependencies = task.NewSet()
	}
	t.AssignedAt = timePtr(assignedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.EstimatedMinutes = intPtr(estimated)
	t.ActualMinutes = intPtr(actual)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
