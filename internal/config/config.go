// Package config holds the tunables for the mediastate core: store
// location, scheduling cadence, backoff policy, adapter timeouts, and
// group completion policy.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the fully-resolved configuration for a mediastate instance.
type Config struct {
	Version int

	Store     Store
	Schedule  Schedule
	Backoff   Backoff
	Adapters  Adapters
	Group     Group
	Retention Retention
	Health    Health
	Metrics   Metrics
	LogLevel  string
	Include   []string
	Exclude   []string
}

// Store configures the embedded SQL store.
type Store struct {
	DSN string // e.g. "file:/var/lib/mediastate/state.db?_journal=WAL"
}

// Schedule configures the planner loop.
type Schedule struct {
	BatchSize        int
	Parallelism      int
	MinSleepSec      int
	StableWaitSec    int // how long size must be unchanged before integrity runs
	SizePollSec      int
	LeaseTTLSec      int
	ShutdownGraceSec int
}

// Backoff configures retry growth after recoverable failures.
type Backoff struct {
	StepSec               int
	MaxSec                int
	MaxIntegrityAttempts  int
	MaxConversionAttempts int
}

// Adapters configures external collaborator timeouts and invocation mode.
type Adapters struct {
	IntegrityTimeoutSec int
	AudioTimeoutSec     int
	ConvertTimeoutSec   int
	QuickMode           bool // opaque passthrough, see spec §9 Open Question

	IntegrityCommand string // e.g. "ffprobe"
	ConvertCommand   string // e.g. "ffmpeg"
}

// Group configures grouping/completion policy.
type Group struct {
	DeleteOriginal bool
}

// Retention configures GC of terminal records.
type Retention struct {
	KeepProcessedDays int
}

// Health configures GetHealth thresholds.
type Health struct {
	MaxErrorRatio      float64
	StuckLeaseGraceSec int
}

// Metrics configures the optional Prometheus HTTP endpoint.
type Metrics struct {
	ListenAddr string // empty disables the endpoint
}

// Default returns a Config populated with the defaults a fresh install
// should run with.
func Default() *Config {
	return &Config{
		Version: 1,
		Store: Store{
			DSN: "file:mediastate.db?_journal=WAL&_busy_timeout=5000",
		},
		Schedule: Schedule{
			BatchSize:        32,
			Parallelism:      4,
			MinSleepSec:      1,
			StableWaitSec:    30,
			SizePollSec:      5,
			LeaseTTLSec:      120,
			ShutdownGraceSec: 10,
		},
		Backoff: Backoff{
			StepSec:               30,
			MaxSec:                600,
			MaxIntegrityAttempts:  8,
			MaxConversionAttempts: 8,
		},
		Adapters: Adapters{
			IntegrityTimeoutSec: 120,
			AudioTimeoutSec:     30,
			ConvertTimeoutSec:   1800,
			QuickMode:           true,
			IntegrityCommand:    "ffprobe",
			ConvertCommand:      "ffmpeg",
		},
		Group: Group{
			DeleteOriginal: false,
		},
		Retention: Retention{
			KeepProcessedDays: 14,
		},
		Health: Health{
			MaxErrorRatio:      0.25,
			StuckLeaseGraceSec: 300,
		},
		Metrics: Metrics{
			ListenAddr: "",
		},
		LogLevel: "info",
	}
}

// Validate checks the config for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn must not be empty")
	}
	if c.Schedule.BatchSize <= 0 {
		return fmt.Errorf("config: schedule.batch_size must be positive")
	}
	if c.Schedule.Parallelism <= 0 {
		return fmt.Errorf("config: schedule.parallelism must be positive")
	}
	if c.Backoff.StepSec <= 0 || c.Backoff.MaxSec < c.Backoff.StepSec {
		return fmt.Errorf("config: backoff.step_sec/max_sec misconfigured")
	}
	if c.Backoff.MaxIntegrityAttempts <= 0 {
		return fmt.Errorf("config: backoff.max_integrity_attempts must be positive")
	}
	if c.Backoff.MaxConversionAttempts <= 0 {
		return fmt.Errorf("config: backoff.max_conversion_attempts must be positive")
	}
	if c.Retention.KeepProcessedDays < 0 {
		return fmt.Errorf("config: retention.keep_processed_days must be >= 0")
	}
	return nil
}

// ApplyEnvOverrides applies the documented environment variable overrides
// on top of an already-loaded Config.
func ApplyEnvOverrides(c *Config) {
	if v := os.Getenv("STATE_DB_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("STATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// StableWait returns the configured stability window as a duration.
func (c *Config) StableWait() time.Duration {
	return time.Duration(c.Schedule.StableWaitSec) * time.Second
}

// BackoffStep returns the initial backoff duration.
func (c *Config) BackoffStep() time.Duration {
	return time.Duration(c.Backoff.StepSec) * time.Second
}

// BackoffMax returns the clamped maximum backoff duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Backoff.MaxSec) * time.Second
}
