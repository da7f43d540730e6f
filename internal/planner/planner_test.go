package planner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/clock"
	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/metrics"
	"github.com/standardbeagle/mediastate/internal/model"
	"github.com/standardbeagle/mediastate/internal/planner"
	"github.com/standardbeagle/mediastate/internal/store"
)

type fakeIntegrity struct {
	verdict adapters.IntegrityVerdict
	calls   int
}

func (f *fakeIntegrity) Check(ctx context.Context, path string, quickMode bool) (adapters.CheckResult, error) {
	f.calls++
	return adapters.CheckResult{Verdict: f.verdict}, nil
}

type fakeAudio struct {
	tracks []adapters.Track
}

func (f *fakeAudio) Probe(ctx context.Context, path string) ([]adapters.Track, error) {
	return f.tracks, nil
}

type fakeConverter struct{}

func (f *fakeConverter) Convert(ctx context.Context, path string, policy adapters.ConvertPolicy) (adapters.ConvertResult, error) {
	return adapters.ConvertResult{Outcome: adapters.ConversionConverted, CompanionPath: path + ".stereo"}, nil
}

func newTestPlanner(t *testing.T, integrity adapters.IntegrityChecker) (*planner.Planner, *store.Store, *clock.Fake) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "state.db") + "?_journal=WAL"
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	real := clock.Real{}
	reg := metrics.New()

	p := planner.New(s, cfg, real, reg, integrity, &fakeAudio{}, &fakeConverter{})
	return p, s, nil
}

func TestTick_NoDueWork(t *testing.T) {
	p, _, _ := newTestPlanner(t, &fakeIntegrity{verdict: adapters.IntegrityComplete})
	result, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Count)
}

func TestTick_AdvancesNewFileThroughStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mkv")
	require.NoError(t, writeFile(path, []byte("hello")))

	p, s, _ := newTestPlanner(t, &fakeIntegrity{verdict: adapters.IntegrityComplete})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, model.FileEntry{
		Path: path, Size: 5, Integrity: model.IntegrityUnknown, Processed: model.ProcessedNew, NextCheckAt: now,
	}))

	result, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)

	got, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, got.StableSince, "first stat of an unchanged size starts the stability window")
}

func TestTick_NoDuplicateInFlight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mkv")
	require.NoError(t, writeFile(path, []byte("hello")))

	slow := &blockingIntegrity{release: make(chan struct{})}
	p, s, _ := newTestPlanner(t, slow)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, model.FileEntry{
		Path: path, Integrity: model.IntegrityPending, Processed: model.ProcessedNew, NextCheckAt: now,
	}))

	done := make(chan struct{})
	go func() {
		_, _ = p.Tick(ctx)
		close(done)
	}()

	// Give the first tick a chance to lease the row, then verify a second
	// concurrent tick picks nothing.
	time.Sleep(20 * time.Millisecond)
	result, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Count, "a leased row must not be picked again")

	close(slow.release)
	<-done
}

type blockingIntegrity struct {
	release chan struct{}
}

func (b *blockingIntegrity) Check(ctx context.Context, path string, quickMode bool) (adapters.CheckResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return adapters.CheckResult{Verdict: adapters.IntegrityComplete}, nil
}

func writeFile(path string, content []byte) error {
	return os.WriteFile(path, content, 0o644)
}
