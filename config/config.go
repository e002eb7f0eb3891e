// Package config defines the Foreman daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/engine"
)

// Config is the top-level Foreman configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Engine   EngineConfig  `json:"engine" yaml:"engine"`
	Agents   []AgentConfig `json:"agents" yaml:"agents"` // registered at startup
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// IntervalsConfig sets the control loop cadence. Zero disables a loop.
type IntervalsConfig struct {
	Dispatch time.Duration `json:"dispatch" yaml:"dispatch"`
	Timeouts time.Duration `json:"timeouts" yaml:"timeouts"`
	Health   time.Duration `json:"health" yaml:"health"`
	Reap     time.Duration `json:"reap" yaml:"reap"`
}

// EngineConfig holds scheduling and failure-handling policy.
type EngineConfig struct {
	Intervals      IntervalsConfig `json:"intervals" yaml:"intervals"`
	BatchSize      int             `json:"batch_size" yaml:"batch_size"`
	ConcurrencyCap int             `json:"concurrency_cap" yaml:"concurrency_cap"`

	InProgressTimeout time.Duration `json:"in_progress_timeout" yaml:"in_progress_timeout"`
	AssignedTimeout   time.Duration `json:"assigned_timeout" yaml:"assigned_timeout"`
	HeartbeatWarn     time.Duration `json:"heartbeat_warn" yaml:"heartbeat_warn"`
	HeartbeatDead     time.Duration `json:"heartbeat_dead" yaml:"heartbeat_dead"`

	LockTTL       time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`
	Retention     time.Duration `json:"retention" yaml:"retention"`

	CapabilityGapRatio    float64       `json:"capability_gap_ratio" yaml:"capability_gap_ratio"`
	CapabilityGapMinTasks int           `json:"capability_gap_min_tasks" yaml:"capability_gap_min_tasks"`
	StalePendingAfter     time.Duration `json:"stale_pending_after" yaml:"stale_pending_after"`

	Weights engine.Weights `json:"weights" yaml:"weights"`

	// EventBuffer bounds the notifier queue; events beyond it are dropped.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// AgentConfig seeds one agent registration.
type AgentConfig struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Capabilities agent.Capabilities `json:"capabilities" yaml:"capabilities"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	s := engine.DefaultSettings()
	iv := engine.DefaultIntervals()
	return &Config{
		Server: ServerConfig{
			Addr:            ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Engine: EngineConfig{
			Intervals: IntervalsConfig{
				Dispatch: iv.Dispatch,
				Timeouts: iv.Timeouts,
				Health:   iv.Health,
				Reap:     iv.Reap,
			},
			BatchSize:             s.BatchSize,
			ConcurrencyCap:        s.ConcurrencyCap,
			InProgressTimeout:     s.InProgressTimeout,
			AssignedTimeout:       s.AssignedTimeout,
			HeartbeatWarn:         s.HeartbeatWarn,
			HeartbeatDead:         s.HeartbeatDead,
			LockTTL:               s.LockTTL,
			PruneInterval:         s.PruneInterval,
			Retention:             s.Retention,
			CapabilityGapRatio:    s.CapabilityGapRatio,
			CapabilityGapMinTasks: s.CapabilityGapMinTasks,
			StalePendingAfter:     s.StalePendingAfter,
			Weights:               s.Weights,
			EventBuffer:           256,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables that override the file.
const (
	EnvDataDir   = "FOREMAN_DATA_DIR"
	EnvAddr      = "FOREMAN_ADDR"
	EnvJWTSecret = "FOREMAN_JWT_SECRET"
	EnvLogLevel  = "FOREMAN_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		EnvDataDir:   &c.DataDir,
		EnvAddr:      &c.Server.Addr,
		EnvJWTSecret: &c.Auth.JWTSecret,
		EnvLogLevel:  &c.LogLevel,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	e := c.Engine
	check(c.Server.Addr != "", "server.addr is required")
	check(c.DataDir != "", "data_dir is required")
	_, err := c.Level()
	check(err == nil, "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(e.BatchSize > 0, "engine.batch_size must be positive")
	check(e.ConcurrencyCap > 0, "engine.concurrency_cap must be positive")
	check(e.InProgressTimeout > 0, "engine.in_progress_timeout must be positive")
	check(e.AssignedTimeout > 0, "engine.assigned_timeout must be positive")
	check(e.HeartbeatWarn > 0 && e.HeartbeatWarn < e.HeartbeatDead,
		"engine.heartbeat_warn must be positive and below heartbeat_dead")
	check(e.LockTTL > 0, "engine.lock_ttl must be positive")
	check(e.Retention > 0, "engine.retention must be positive")
	check(e.CapabilityGapRatio >= 0 && e.CapabilityGapRatio <= 1, "engine.capability_gap_ratio must be within [0, 1]")
	check(e.EventBuffer > 0, "engine.event_buffer must be positive")
	for _, d := range []time.Duration{e.Intervals.Dispatch, e.Intervals.Timeouts, e.Intervals.Health, e.Intervals.Reap} {
		check(d >= 0, "engine.intervals must not be negative")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		check(strings.TrimSpace(a.ID) != "", "agents[%d].id is required", i)
		check(!seen[a.ID], "agents[%d].id %q is duplicated", i, a.ID)
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// Settings converts the engine section into engine settings.
func (c *Config) Settings() engine.Settings {
	e := c.Engine
	return engine.Settings{
		BatchSize:             e.BatchSize,
		ConcurrencyCap:        e.ConcurrencyCap,
		InProgressTimeout:     e.InProgressTimeout,
		AssignedTimeout:       e.AssignedTimeout,
		HeartbeatWarn:         e.HeartbeatWarn,
		HeartbeatDead:         e.HeartbeatDead,
		LockTTL:               e.LockTTL,
		PruneInterval:         e.PruneInterval,
		Retention:             e.Retention,
		CapabilityGapRatio:    e.CapabilityGapRatio,
		CapabilityGapMinTasks: e.CapabilityGapMinTasks,
		StalePendingAfter:     e.StalePendingAfter,
		Weights:               e.Weights,
	}
}

// Intervals converts the loop cadence into scheduler intervals.
func (c *Config) Intervals() engine.Intervals {
	iv := c.Engine.Intervals
	return engine.Intervals{
		Dispatch: iv.Dispatch,
		Timeouts: iv.Timeouts,
		Health:   iv.Health,
		Reap:     iv.Reap,
	}
}
