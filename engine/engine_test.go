package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/store"
	"github.com/GoCodeAlone/foreman/task"
)

// fakeClock is a manually advanced clock shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []comms.Event
}

func (r *recorder) Notify(ev comms.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ comms.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	*Engine
	store  *store.SQLite
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, clock: newFakeClock(), events: &recorder{}}
	opts = append([]Option{WithClock(h.clock.Now), WithEvents(h.events)}, opts...)
	h.Engine = New(s, opts...)
	return h
}

func (h *harness) agent(t *testing.T, id string, caps agent.Capabilities) *agent.Agent {
	t.Helper()
	a, err := h.RegisterAgent(context.Background(), RegisterRequest{ID: id, Capabilities: caps})
	require.NoError(t, err)
	// Registration order breaks score ties.
	h.clock.Advance(time.Second)
	return a
}

func (h *harness) enqueue(t *testing.T, title string, p task.Priority, caps ...string) *task.Task {
	t.Helper()
	tk, err := h.Enqueue(context.Background(), EnqueueRequest{
		Title:                title,
		Priority:             &p,
		RequiredCapabilities: caps,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	return tk
}

func (h *harness) task(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := h.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func intp(n int) *int { return &n }

func prio(p task.Priority) *task.Priority { return &p }
