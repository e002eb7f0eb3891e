// Package audit holds the append-only records the engine writes when it
// makes a scheduling decision, detects a resource conflict or raises an
// alert for operators.
package audit

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid marks a rejected override or acknowledgement.
	ErrInvalid = errors.New("invalid audit request")
)

// ConflictKind classifies a ConflictRecord.
type ConflictKind string

const (
	ConflictLockContention   ConflictKind = "lock_contention"
	ConflictExpiredContended ConflictKind = "lock_expired_contended"
	ConflictForceRelease     ConflictKind = "force_release"
)

// ConflictRecord links a resource conflict to the agents and tasks involved.
type ConflictRecord struct {
	ID           string       `json:"id"`
	Kind         ConflictKind `json:"kind"`
	ProjectID    string       `json:"project_id,omitempty"`
	ResourcePath string       `json:"resource_path"`
	AgentIDs     []string     `json:"agent_ids"`
	TaskIDs      []string     `json:"task_ids,omitempty"`
	Description  string       `json:"description"`
	CreatedAt    time.Time    `json:"created_at"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

// DecisionKind classifies a DecisionRecord.
type DecisionKind string

const (
	DecisionAssignment   DecisionKind = "assignment"
	DecisionReassignment DecisionKind = "reassignment"
	DecisionRetry        DecisionKind = "retry"
	DecisionEscalation   DecisionKind = "escalation"
	DecisionAgentDemoted DecisionKind = "agent_demoted"
	DecisionOverride     DecisionKind = "override"
)

// DecisionRecord captures one engine decision about a task or agent.
type DecisionRecord struct {
	ID           string            `json:"id"`
	Kind         DecisionKind      `json:"kind"`
	TaskID       string            `json:"task_id,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	OverriddenBy string            `json:"overridden_by,omitempty"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Alert is a notification meant for a human operator.
type Alert struct {
	ID             string     `json:"id"`
	Severity       Severity   `json:"severity"`
	Source         string     `json:"source"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	TaskID         string     `json:"task_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Filter narrows record listings. Fields that do not apply to a record type
// are ignored.
type Filter struct {
	Kind         string     `json:"kind,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	ResourcePath string     `json:"resource_path,omitempty"`
	Severity     Severity   `json:"severity,omitempty"`
	Unresolved   bool       `json:"unresolved,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}
