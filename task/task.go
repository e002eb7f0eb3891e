// Package task defines the work item model, its status machine and the
// dependency gate used by the scheduling engine.
package task

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusAssigned, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Active reports whether a task in this status is held by an agent.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority determines scheduling order. Lower is more urgent.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

// Valid reports whether p is within the accepted range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// MaxRetries bounds RetryCount.
const MaxRetries = 3

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalid marks a request rejected by validation.
	ErrInvalid = errors.New("invalid task")
	// ErrConflict marks an operation not valid for the task's current status.
	ErrConflict = errors.New("task state conflict")
)

// Task is a unit of work for an agent.
type Task struct {
	ID                   string     `json:"id"`
	ProjectID            string     `json:"project_id,omitempty"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Status               Status     `json:"status"`
	Priority             Priority   `json:"priority"`
	RequiredCapabilities Set        `json:"required_capabilities"`
	Dependencies         Set        `json:"dependencies"`
	AssignedTo           string     `json:"assigned_to,omitempty"` // agent ID
	LastAgent            string     `json:"last_agent,omitempty"`  // most recent assignee, kept after release
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedMinutes     *int       `json:"estimated_minutes,omitempty"`
	ActualMinutes        *int       `json:"actual_minutes,omitempty"`
	RetryCount           int        `json:"retry_count"`
	Result               string     `json:"result,omitempty"`
	Error                string     `json:"error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status     *Status   `json:"status,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Priority   *Priority `json:"priority,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// WaitMinutes is how long the task has been queued as of now.
func (t *Task) WaitMinutes(now time.Time) float64 {
	d := now.Sub(t.CreatedAt)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}
