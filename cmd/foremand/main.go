// Command foremand is the Foreman coordination daemon. It opens the store,
// starts the control loops and serves the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/internal/metrics"
	"github.com/GoCodeAlone/foreman/internal/version"
	"github.com/GoCodeAlone/foreman/server"
	"github.com/GoCodeAlone/foreman/store"
)

var configPath = flag.String("config", "", "path to foreman.yaml (defaults and FOREMAN_* env when empty)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, _ := cfg.Level() // validated by Load
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	logger.Info("starting", "build", version.String("foremand"))

	if err := run(cfg, logger); err != nil {
		logger.Error("foremand failed", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "foreman.db"))
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	m := metrics.New()
	bus := comms.NewInMemoryBus()
	notifier := comms.NewNotifier(bus, cfg.Engine.EventBuffer,
		comms.WithLogger(logger),
		comms.WithDropHook(m.EventsDropped.Inc),
	)

	eng := engine.New(st,
		engine.WithSettings(cfg.Settings()),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithEvents(notifier),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, a := range cfg.Agents {
		if _, err := eng.RegisterAgent(ctx, engine.RegisterRequest{
			ID: a.ID, Name: a.Name, Capabilities: a.Capabilities,
		}); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}

	sched, err := engine.NewScheduler(eng, cfg.Intervals(), logger)
	if err != nil {
		return err
	}
	sched.Start()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetEngine(eng)
	srv.SetBus(bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped", "err", serveErr)
		}
	}

	shutdownCtx, stop := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "err", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop error", "err", err)
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn("event queue not drained", "err", err, "dropped", notifier.Dropped())
	}
	return serveErr
}
