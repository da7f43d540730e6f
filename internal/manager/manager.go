// Package manager is the core's façade: DiscoverDirectory, ProcessPending,
// StartMonitoring, GetStatus, GetHealth, Maintenance, Close. The scan,
// monitor, status and maintenance CLI subcommands are thin wrappers over
// these calls; reset and adapters work on the store file and the adapters
// directly.
package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/clock"
	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/discovery"
	"github.com/standardbeagle/mediastate/internal/logging"
	"github.com/standardbeagle/mediastate/internal/metrics"
	"github.com/standardbeagle/mediastate/internal/planner"
	"github.com/standardbeagle/mediastate/internal/store"
	"github.com/standardbeagle/mediastate/pkg/pathutil"
)

// Manager wires the store, planner, discovery scanner, and metrics
// registry into the single entry point the CLI drives.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	planner  *planner.Planner
	scanner  *discovery.Scanner
	metrics  *metrics.Registry
	clock    clock.Clock
	cyclesRun int
	log      *zap.Logger
}

// Options bundles the collaborators a Manager needs beyond config; tests
// substitute fakes here without touching the CLI wiring.
type Options struct {
	Clock     clock.Clock
	Integrity adapters.IntegrityChecker
	Audio     adapters.AudioProbe
	Converter adapters.Converter
}

// New opens the store at cfg.Store.DSN and wires a Manager. The returned
// error is always a *errors.FatalError on store failure.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	s, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}

	reg := metrics.New()
	if err := reg.ServeHTTP(cfg.Metrics.ListenAddr); err != nil {
		s.Close()
		return nil, fmt.Errorf("starting metrics endpoint: %w", err)
	}

	pl := planner.New(s, cfg, c, reg, opts.Integrity, opts.Audio, opts.Converter)
	scanner := discovery.New(s, pl)

	return &Manager{
		cfg:     cfg,
		store:   s,
		planner: pl,
		scanner: scanner,
		metrics: reg,
		clock:   c,
		log:     logging.For("manager"),
	}, nil
}

// DiscoverDirectory walks dir and upserts new paths matching the
// configured include/exclude globs.
func (m *Manager) DiscoverDirectory(ctx context.Context, dir string) (discovery.Result, error) {
	filter := discovery.Filter{Include: m.cfg.Include, Exclude: m.cfg.Exclude}
	return m.scanner.ScanDirectory(ctx, dir, filter)
}

// ProcessPending runs one planner tick synchronously and returns its
// outcome counts.
func (m *Manager) ProcessPending(ctx context.Context) (planner.TickResult, error) {
	result, err := m.planner.Tick(ctx)
	if err == nil {
		m.cyclesRun++
	}
	return result, err
}

// StartMonitoring runs the planner loop — tick, then sleep until the next
// due time or a wake signal — until ctx is cancelled.
func (m *Manager) StartMonitoring(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := m.planner.Tick(ctx)
		if err != nil {
			m.log.Error("tick failed", zap.Error(err))
		} else {
			m.cyclesRun++
			if result.Count > 0 {
				m.log.Info("tick complete", zap.Int("handled", result.Count))
			}
		}

		stats, err := m.store.Stats(ctx)
		if err != nil {
			m.log.Error("stats query failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		default:
			m.planner.Sleep(ctx, stats.EarliestNextCheck)
		}
	}
}

// Status is the JSON-serializable result of GetStatus.
type Status struct {
	PerIntegrityStatus map[string]int `json:"per_integrity_status"`
	PerProcessedStatus map[string]int `json:"per_processed_status"`
	TotalFiles         int            `json:"total_files"`
	EarliestNextCheck  *time.Time     `json:"earliest_next_check_at,omitempty"`
	CyclesRun          int            `json:"cycles_run"`
	InstanceID         string         `json:"instance_id"`
}

// GetStatus reports current totals per status axis plus scheduling state.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PerIntegrityStatus: stats.PerIntegrityStatus,
		PerProcessedStatus: stats.PerProcessedStatus,
		TotalFiles:         stats.TotalFiles,
		EarliestNextCheck:  stats.EarliestNextCheck,
		CyclesRun:          m.cyclesRun,
		InstanceID:         m.store.InstanceID(),
	}, nil
}

// Health is the result of GetHealth.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}

// GetHealth reports stuck leases and an elevated error ratio, per the
// error-kind-3 (invariant) policy of surfacing problems without bringing
// down the planner.
func (m *Manager) GetHealth(ctx context.Context) (Health, error) {
	now := m.clock.Now()
	grace := time.Duration(m.cfg.Health.StuckLeaseGraceSec) * time.Second

	stuck, err := m.store.StuckLeases(ctx, now, grace)
	if err != nil {
		return Health{}, err
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Health{}, err
	}

	cwd, cwdErr := os.Getwd()
	var issues []string
	for _, path := range stuck {
		display := path
		if cwdErr == nil {
			display = pathutil.ToRelative(path, cwd)
		}
		issues = append(issues, fmt.Sprintf("stuck lease: %s", display))
	}

	errCount := stats.PerIntegrityStatus[string("ERROR")]
	if stats.TotalFiles > 0 {
		ratio := float64(errCount) / float64(stats.TotalFiles)
		if ratio > m.cfg.Health.MaxErrorRatio {
			issues = append(issues, fmt.Sprintf("error ratio %.2f exceeds threshold %.2f", ratio, m.cfg.Health.MaxErrorRatio))
		}
	}

	return Health{Healthy: len(issues) == 0, Issues: issues}, nil
}

// MaintenanceResult reports what one Maintenance pass accomplished.
type MaintenanceResult struct {
	Deleted        int64
	BytesReclaimed int64
}

// Maintenance runs retention GC, then a VACUUM compaction pass over what
// GC freed.
func (m *Manager) Maintenance(ctx context.Context) (MaintenanceResult, error) {
	deleted, err := m.store.GC(ctx, m.clock.Now(), m.cfg.Retention.KeepProcessedDays)
	if err != nil {
		return MaintenanceResult{}, err
	}

	reclaimed, err := m.store.Compact(ctx)
	if err != nil {
		return MaintenanceResult{Deleted: deleted}, err
	}

	return MaintenanceResult{Deleted: deleted, BytesReclaimed: reclaimed}, nil
}

// Close releases the store and metrics endpoint.
func (m *Manager) Close() error {
	if err := m.metrics.Close(); err != nil {
		m.log.Warn("metrics close failed", zap.Error(err))
	}
	return m.store.Close()
}
