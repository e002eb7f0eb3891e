package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Loop names, used in metrics labels, alert sources and RunLoop.
const (
	LoopDispatch = "dispatch"
	LoopTimeouts = "timeouts"
	LoopHealth   = "health"
	LoopReap     = "reap"
)

// Loops lists every control loop.
var Loops = []string{LoopDispatch, LoopTimeouts, LoopHealth, LoopReap}

// RunLoop runs one tick of the named loop now and returns its result.
func (e *Engine) RunLoop(ctx context.Context, name string) (any, error) {
	start := time.Now()
	var res any
	var err error
	switch name {
	case LoopDispatch:
		res, err = e.Dispatch(ctx)
	case LoopTimeouts:
		res, err = e.CheckTimeouts(ctx)
	case LoopHealth:
		res, err = e.CheckHealth(ctx)
	case LoopReap:
		res, err = e.ReapLocks(ctx)
	default:
		return nil, fmt.Errorf("unknown loop %q", name)
	}
	e.metrics.ObserveLoop(name, start, err)
	if err != nil {
		e.logger.Error("loop tick failed", "loop", name, "err", err)
	}
	return res, err
}

// Intervals sets how often each loop runs. A zero interval disables the
// loop.
type Intervals struct {
	Dispatch time.Duration
	Timeouts time.Duration
	Health   time.Duration
	Reap     time.Duration
}

// DefaultIntervals returns the stock loop cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Dispatch: 30 * time.Second,
		Timeouts: 5 * time.Minute,
		Health:   time.Minute,
		Reap:     time.Hour,
	}
}

// Scheduler runs the control loops on their intervals. A tick that is still
// running when its next turn comes is skipped, so a loop never overlaps
// itself; different loops run independently.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers every loop with a non-zero interval.
func NewScheduler(e *Engine, iv Intervals, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		engine: e,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger: logger,
	}
	for name, every := range map[string]time.Duration{
		LoopDispatch: iv.Dispatch,
		LoopTimeouts: iv.Timeouts,
		LoopHealth:   iv.Health,
		LoopReap:     iv.Reap,
	} {
		if every <= 0 {
			logger.Info("loop disabled", "loop", name)
			continue
		}
		name := name
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			_, _ = e.RunLoop(context.Background(), name)
		}))
		if _, err := s.cron.AddJob(fmt.Sprintf("@every %s", every), job); err != nil {
			return nil, fmt.Errorf("schedule %s loop: %w", name, err)
		}
		logger.Info("loop scheduled", "loop", name, "every", every)
	}
	return s, nil
}

// Start begins running the loops in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new ticks and waits for running ones to finish, or for ctx
// to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs one tick of the named loop immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (any, error) {
	return s.engine.RunLoop(ctx, name)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
