package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/task"
)

// Weights parameterizes both scoring formulas.
//
//	agent score = Base - workload*WorkloadPenalty + avgProficiency*ProficiencyFactor
//	task score  = Priority[p] + min(waitMinutes*WaitFactor, WaitCap)
type Weights struct {
	Base              float64    `yaml:"base" json:"base"`
	WorkloadPenalty   float64    `yaml:"workload_penalty" json:"workload_penalty"`
	ProficiencyFactor float64    `yaml:"proficiency_factor" json:"proficiency_factor"`
	Priority          [5]float64 `yaml:"priority" json:"priority"`
	WaitFactor        float64    `yaml:"wait_factor" json:"wait_factor"`
	WaitCap           float64    `yaml:"wait_cap" json:"wait_cap"`
}

// DefaultWeights returns the stock scoring table.
func DefaultWeights() Weights {
	return Weights{
		Base:              100,
		WorkloadPenalty:   10,
		ProficiencyFactor: 0.5,
		Priority:          [5]float64{100, 80, 60, 40, 20},
		WaitFactor:        0.5,
		WaitCap:           30,
	}
}

func (w Weights) priority(p task.Priority) float64 {
	if !p.Valid() {
		return 0
	}
	return w.Priority[p]
}

// Matcher pairs tasks with agents. It is pure: it never touches the store.
type Matcher struct {
	Cap     int
	Weights Weights
}

// Reject returns why a cannot take t, or "" if it can.
func (m Matcher) Reject(a *agent.Agent, t *task.Task) string {
	if !a.Status.Schedulable() {
		return fmt.Sprintf("agent %s is %s", a.ID, a.Status)
	}
	if a.Workload >= m.Cap {
		return fmt.Sprintf("agent %s is at capacity (%d/%d)", a.ID, a.Workload, m.Cap)
	}
	for _, tag := range t.RequiredCapabilities.Slice() {
		if !a.Capabilities.Has(tag) {
			return fmt.Sprintf("agent %s lacks capability %q", a.ID, tag)
		}
	}
	return ""
}

// AgentScore rates a as the assignee of t. The proficiency bonus is zero
// when t requires no capabilities.
func (m Matcher) AgentScore(a *agent.Agent, t *task.Task) float64 {
	w := m.Weights
	score := w.Base - float64(a.Workload)*w.WorkloadPenalty
	if n := t.RequiredCapabilities.Len(); n > 0 {
		sum := 0
		for tag := range t.RequiredCapabilities {
			sum += a.Capabilities[tag]
		}
		score += float64(sum) / float64(n) * w.ProficiencyFactor
	}
	return score
}

// TaskScore rates how urgently t should be picked up at now.
func (m Matcher) TaskScore(t *task.Task, now time.Time) float64 {
	w := m.Weights
	return w.priority(t.Priority) + math.Min(t.WaitMinutes(now)*w.WaitFactor, w.WaitCap)
}

// Match is a chosen agent and its score.
type Match struct {
	Agent *agent.Agent `json:"agent"`
	Score float64      `json:"score"`
}

// Match returns the best candidate for t. Ties go to the lower workload,
// then the earlier registered agent, then the smaller id. ok is false when
// no candidate passes the capability and capacity filter; the task must then
// stay pending.
func (m Matcher) Match(t *task.Task, candidates []*agent.Agent) (best Match, ok bool) {
	for _, a := range candidates {
		if m.Reject(a, t) != "" {
			continue
		}
		s := m.AgentScore(a, t)
		if !ok || betterAgent(a, s, best) {
			best, ok = Match{Agent: a, Score: s}, true
		}
	}
	return best, ok
}

func betterAgent(a *agent.Agent, score float64, cur Match) bool {
	if score != cur.Score {
		return score > cur.Score
	}
	if a.Workload != cur.Agent.Workload {
		return a.Workload < cur.Agent.Workload
	}
	if !a.CreatedAt.Equal(cur.Agent.CreatedAt) {
		return a.CreatedAt.Before(cur.Agent.CreatedAt)
	}
	return a.ID < cur.Agent.ID
}

// RankedTask is a task and its score for one agent.
type RankedTask struct {
	Task  *task.Task `json:"task"`
	Score float64    `json:"score"`
}

// RankTasksForAgent orders the pending, dependency-satisfied tasks a can
// take, best first. Ties go to the earlier created task, then the smaller id.
// An agent that cannot take work gets nothing.
func (m Matcher) RankTasksForAgent(a *agent.Agent, tasks []*task.Task, lookup task.Lookup, now time.Time) []RankedTask {
	var out []RankedTask
	for _, t := range tasks {
		if t.Status != task.StatusPending || !task.IsAssignable(t, lookup) {
			continue
		}
		if m.Reject(a, t) != "" {
			continue
		}
		out = append(out, RankedTask{Task: t, Score: m.TaskScore(t, now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ti, tj := out[i].Task, out[j].Task
		if !ti.CreatedAt.Equal(tj.CreatedAt) {
			return ti.CreatedAt.Before(tj.CreatedAt)
		}
		return ti.ID < tj.ID
	})
	return out
}
