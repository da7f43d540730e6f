package manager_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/clock"
	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/manager"
)

type stubIntegrity struct{ verdict adapters.IntegrityVerdict }

func (s stubIntegrity) Check(ctx context.Context, path string, quickMode bool) (adapters.CheckResult, error) {
	return adapters.CheckResult{Verdict: s.verdict}, nil
}

type stubAudio struct{ tracks []adapters.Track }

func (s stubAudio) Probe(ctx context.Context, path string) ([]adapters.Track, error) {
	return s.tracks, nil
}

type stubConverter struct{}

func (stubConverter) Convert(ctx context.Context, path string, policy adapters.ConvertPolicy) (adapters.ConvertResult, error) {
	return adapters.ConvertResult{Outcome: adapters.ConversionConverted, CompanionPath: path + ".stereo"}, nil
}

func newTestManager(t *testing.T, opts manager.Options) *manager.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "state.db") + "?_journal=WAL"
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	m, err := manager.New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDiscoverThenProcessPending_FirstTickKeepsFileTracked(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("hello"), 0o644))

	m := newTestManager(t, manager.Options{
		Integrity: stubIntegrity{verdict: adapters.IntegrityComplete},
		Audio:     stubAudio{tracks: []adapters.Track{{Language: "eng", Channels: 2}}},
		Converter: stubConverter{},
	})
	ctx := context.Background()

	discovered, err := m.DiscoverDirectory(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 1, discovered.FilesAdded)

	// First tick: stat -> stability window opens but is not yet elapsed, so
	// nothing terminal happens this tick.
	_, err = m.ProcessPending(ctx)
	require.NoError(t, err)

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.TotalFiles)
}

func TestGetHealth_ReportsNoIssuesOnFreshStore(t *testing.T) {
	m := newTestManager(t, manager.Options{
		Integrity: stubIntegrity{verdict: adapters.IntegrityComplete},
		Audio:     stubAudio{},
		Converter: stubConverter{},
	})
	health, err := m.GetHealth(context.Background())
	require.NoError(t, err)
	require.True(t, health.Healthy)
	require.Empty(t, health.Issues)
}

func TestMaintenance_RunsWithoutError(t *testing.T) {
	m := newTestManager(t, manager.Options{
		Integrity: stubIntegrity{verdict: adapters.IntegrityComplete},
		Audio:     stubAudio{},
		Converter: stubConverter{},
	})
	_, err := m.Maintenance(context.Background())
	require.NoError(t, err)
}
