// Package lock defines advisory locks on named resources (usually file
// paths) held by agents, and the conflict error returned when a lock cannot
// be granted.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Type is the access mode of a lock.
type Type string

const (
	TypeExclusive Type = "exclusive"
	TypeShared    Type = "shared"
)

// Valid reports whether t is a known lock type.
func (t Type) Valid() bool { return t == TypeExclusive || t == TypeShared }

// Status is the lifecycle state of a lock row. Only StatusActive rows hold
// the resource; every other status is final.
type Status string

const (
	StatusActive        Status = "active"
	StatusReleased      Status = "released"
	StatusExpired       Status = "expired"
	StatusForceReleased Status = "force_released"
)

var (
	// ErrNotFound is returned when a lock id does not exist.
	ErrNotFound = errors.New("lock not found")
	// ErrInvalid marks a rejected request.
	ErrInvalid = errors.New("invalid lock request")
	// ErrConflict matches any *ConflictError and non-holder releases.
	ErrConflict = errors.New("lock conflict")
)

// FileLock is one acquisition of a resource by a holder.
type FileLock struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id,omitempty"`
	ResourcePath  string     `json:"resource_path"`
	HolderAgentID string     `json:"holder_agent_id"`
	Type          Type       `json:"lock_type"`
	Status        Status     `json:"status"`
	AcquiredAt    time.Time  `json:"acquired_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleaseReason string     `json:"release_reason,omitempty"`
}

// Expired reports whether the lock's expiry has passed at now.
func (l *FileLock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// HeldAt reports whether the lock still holds its resource at now.
func (l *FileLock) HeldAt(now time.Time) bool {
	return l.Status == StatusActive && !l.Expired(now)
}

// Filter controls which locks are returned by List.
type Filter struct {
	ProjectID     string  `json:"project_id,omitempty"`
	ResourcePath  string  `json:"resource_path,omitempty"`
	HolderAgentID string  `json:"holder_agent_id,omitempty"`
	Status        *Status `json:"status,omitempty"`
	Limit         int     `json:"limit,omitempty"`
}

// ConflictError is returned by an acquire that collides with a lock held by
// another agent.
type ConflictError struct {
	ResourcePath string
	Holder       string
	HolderType   Type
	ExpiresAt    *time.Time
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("resource %s is locked (%s) by %s", e.ResourcePath, e.HolderType, e.Holder)
	if e.ExpiresAt != nil {
		msg += " until " + e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return msg
}

// Is makes errors.Is(err, ErrConflict) true for conflict errors.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Compatible reports whether a request of type want may coexist with an
// existing lock of type held owned by somebody else.
func Compatible(held, want Type) bool {
	return held == TypeShared && want == TypeShared
}
