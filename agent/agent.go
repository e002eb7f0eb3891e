// Package agent defines the registered work agent and its capability map.
// Agents run outside this process; they register, heartbeat and report task
// progress through the engine.
package agent

import (
	"errors"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusBusy, StatusInactive, StatusError:
		return true
	}
	return false
}

// Schedulable reports whether the matcher may hand work to an agent in
// this status.
func (s Status) Schedulable() bool {
	return s == StatusActive || s == StatusIdle
}

// Monitored reports whether the health checker watches agents in this status.
func (s Status) Monitored() bool {
	return s == StatusActive || s == StatusBusy || s == StatusIdle
}

var (
	// ErrNotFound is returned when an agent id does not exist.
	ErrNotFound = errors.New("agent not found")
	// ErrInvalid marks a rejected registration or heartbeat.
	ErrInvalid = errors.New("invalid agent request")
	// ErrConflict is returned when an agent cannot be removed or changed
	// because it still holds work.
	ErrConflict = errors.New("agent state conflict")
)

// MaxProficiency is the upper bound of a capability score.
const MaxProficiency = 100

// Capabilities maps a skill tag to a proficiency score in [0, 100].
type Capabilities map[string]int

// Has reports whether tag is registered with a positive proficiency.
func (c Capabilities) Has(tag string) bool {
	return c[tag] > 0
}

// Normalized returns a copy with scores clamped to [0, 100] and empty tags
// dropped.
func (c Capabilities) Normalized() Capabilities {
	out := make(Capabilities, len(c))
	for tag, p := range c {
		if tag == "" {
			continue
		}
		switch {
		case p < 0:
			p = 0
		case p > MaxProficiency:
			p = MaxProficiency
		}
		out[tag] = p
	}
	return out
}

// Agent is a registered worker.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Status        Status       `json:"status"`
	Capabilities  Capabilities `json:"capabilities"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`

	// Workload is the number of assigned or in-progress tasks, derived by
	// the store when the agent is loaded. It is never persisted.
	Workload int `json:"current_workload"`
}

// SinceHeartbeat returns the time elapsed since the last heartbeat, and
// false if the agent never sent one.
func (a *Agent) SinceHeartbeat(now time.Time) (time.Duration, bool) {
	if a.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*a.LastHeartbeat), true
}
