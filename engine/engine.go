// Package engine is the coordination core: it matches pending tasks to
// agents, arbitrates resource locks and runs the control loops that detect
// stalled work, silent agents and expired locks.
//
// Every state transition is a read-modify-write inside one store
// transaction, guarded by the status that was read. Events are emitted only
// after the transaction commits.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/internal/metrics"
	"github.com/GoCodeAlone/foreman/store"
)

// Settings tunes the engine's policies.
type Settings struct {
	BatchSize      int // pending tasks considered per dispatch tick
	ConcurrencyCap int // assigned + in-progress tasks per agent

	InProgressTimeout time.Duration // used when a task has no estimate
	AssignedTimeout   time.Duration // assigned but never started

	HeartbeatWarn time.Duration
	HeartbeatDead time.Duration

	LockTTL       time.Duration
	PruneInterval time.Duration
	Retention     time.Duration

	CapabilityGapRatio    float64
	CapabilityGapMinTasks int
	StalePendingAfter     time.Duration

	Weights Weights
}

// DefaultSettings returns the stock policy values.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:             20,
		ConcurrencyCap:        3,
		InProgressTimeout:     120 * time.Minute,
		AssignedTimeout:       30 * time.Minute,
		HeartbeatWarn:         5 * time.Minute,
		HeartbeatDead:         15 * time.Minute,
		LockTTL:               30 * time.Minute,
		PruneInterval:         time.Hour,
		Retention:             24 * time.Hour,
		CapabilityGapRatio:    0.5,
		CapabilityGapMinTasks: 3,
		StalePendingAfter:     60 * time.Minute,
		Weights:               DefaultWeights(),
	}
}

// Engine coordinates tasks, agents and locks over a Store.
type Engine struct {
	store    store.Store
	events   comms.Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	settings Settings
	matcher  Matcher
	now      func() time.Time

	mu        sync.Mutex
	warned    map[string]time.Time // agent id -> heartbeat already warned about
	gapWarned string               // unmatched task set of the last capability gap warning
	lastPrune time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the sink that receives engine events.
func WithEvents(s comms.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.events = s
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the collectors the engine updates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSettings replaces the default policy values.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithClock replaces time.Now, for simulated time in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine over s. The caller owns s and closes it after the
// engine's scheduler has stopped.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		events:   comms.Discard,
		logger:   slog.New(slog.DiscardHandler),
		settings: DefaultSettings(),
		now:      time.Now,
		warned:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.matcher = Matcher{Cap: e.settings.ConcurrencyCap, Weights: e.settings.Weights}
	return e
}

// Settings returns the policy values in effect.
func (e *Engine) Settings() Settings { return e.settings }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) clock() time.Time { return e.now().UTC() }

// outbox collects events and metric updates during a transaction so they
// only happen once it commits.
type outbox struct {
	events []comms.Event
	after  []func()
}

func (o *outbox) add(typ comms.EventType, subject, msg string, data map[string]string) {
	o.events = append(o.events, comms.Event{Type: typ, Subject: subject, Message: msg, Data: data})
}

func (o *outbox) then(fn func()) { o.after = append(o.after, fn) }

func (e *Engine) flush(o *outbox) {
	now := e.clock()
	for _, ev := range o.events {
		ev.Timestamp = now
		e.events.Notify(ev)
	}
	for _, fn := range o.after {
		fn()
	}
}

// inTx runs fn in a transaction and flushes its outbox if it commits.
func (e *Engine) inTx(ctx context.Context, fn func(r store.Repo, out *outbox) error) error {
	var out outbox
	err := e.store.InTx(ctx, func(r store.Repo) error {
		out = outbox{}
		return fn(r, &out)
	})
	if err != nil {
		return err
	}
	e.flush(&out)
	return nil
}
