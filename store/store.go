package store

import (
	"context"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/task"
)

// Repo is the set of persistence operations the engine uses. Every method
// runs against whatever connection the Repo was built on, so the same calls
// work inside and outside a transaction.
type Repo interface {
	// Tasks

	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error)
	// SaveTask writes t back if its stored status still equals expect.
	// It returns task.ErrConflict when another writer moved the task first.
	SaveTask(ctx context.Context, t *task.Task, expect task.Status) error
	DeleteTask(ctx context.Context, id string) error
	TaskStatuses(ctx context.Context, ids []string) (map[string]task.Status, error)
	TaskCounts(ctx context.Context) (TaskCounts, error)
	Workloads(ctx context.Context) (map[string]int, error)

	// Agents

	UpsertAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error)
	SaveAgent(ctx context.Context, a *agent.Agent) error
	SetCapabilities(ctx context.Context, agentID string, caps agent.Capabilities) error
	DeleteAgent(ctx context.Context, id string) error

	// Locks

	InsertLock(ctx context.Context, l *lock.FileLock) error
	GetLock(ctx context.Context, id string) (*lock.FileLock, error)
	SaveLock(ctx context.Context, l *lock.FileLock, expect lock.Status) error
	ActiveLocks(ctx context.Context, projectID, path string) ([]*lock.FileLock, error)
	ListLocks(ctx context.Context, f lock.Filter) ([]*lock.FileLock, error)
	DeleteLocks(ctx context.Context, ids []string) (int64, error)
	LockCounts(ctx context.Context) (map[lock.Status]int, error)
	AddWaiter(ctx context.Context, projectID, path, agentID string, at time.Time) error
	RemoveWaiter(ctx context.Context, projectID, path, agentID string) error
	Waiters(ctx context.Context, projectID, path string) ([]Waiter, error)
	ClearWaiters(ctx context.Context, projectID, path string) error
	DeleteWaitersBefore(ctx context.Context, before time.Time) (int64, error)

	// Audit

	InsertConflict(ctx context.Context, c *audit.ConflictRecord) error
	ResolveConflict(ctx context.Context, id string, at time.Time) error
	ListConflicts(ctx context.Context, f audit.Filter) ([]*audit.ConflictRecord, error)
	InsertDecision(ctx context.Context, d *audit.DecisionRecord) error
	GetDecision(ctx context.Context, id string) (*audit.DecisionRecord, error)
	OverrideDecision(ctx context.Context, id, by string, at time.Time) error
	ListDecisions(ctx context.Context, f audit.Filter) ([]*audit.DecisionRecord, error)
	InsertAlert(ctx context.Context, a *audit.Alert) error
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) error
	ListAlerts(ctx context.Context, f audit.Filter) ([]*audit.Alert, error)
}

// Store is a Repo that can also open transactions.
type Store interface {
	Repo
	// InTx runs fn atomically: all of fn's writes commit together or not
	// at all.
	InTx(ctx context.Context, fn func(Repo) error) error
	Close() error
}

// TaskCounts aggregates the task table for dashboards.
type TaskCounts struct {
	ByStatus              map[task.Status]int   `json:"by_status"`
	ByPriority            map[task.Priority]int `json:"by_priority"`
	AvgCompletionMinutes  float64               `json:"avg_completion_minutes"`
	CompletedWithDuration int                   `json:"completed_with_duration"`
}

// Waiter is an agent that asked for a resource and was refused.
type Waiter struct {
	AgentID     string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
}
