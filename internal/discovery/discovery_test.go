package discovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mediastate/internal/discovery"
	"github.com/standardbeagle/mediastate/internal/store"
)

type countingWaker struct {
	count int
}

func (w *countingWaker) Wake() { w.count++ }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "state.db") + "?_journal=WAL"
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanDirectory_AddsNewFilesOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))

	s := openTestStore(t)
	waker := &countingWaker{}
	scanner := discovery.New(s, waker)

	result, err := scanner.ScanDirectory(context.Background(), dir, discovery.Filter{Include: []string{"*.mkv"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesAdded)
	require.Equal(t, 1, waker.count)

	got, err := s.Get(context.Background(), filepath.Join(dir, "a.mkv"))
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = s.Get(context.Background(), filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	require.Nil(t, got, "non-matching extension must not be tracked")
}

func TestScanDirectory_RescanIsNoOp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("x"), 0o644))

	s := openTestStore(t)
	scanner := discovery.New(s, nil)

	_, err := scanner.ScanDirectory(context.Background(), dir, discovery.Filter{})
	require.NoError(t, err)

	result, err := scanner.ScanDirectory(context.Background(), dir, discovery.Filter{})
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesAdded)
	require.Equal(t, 1, result.FilesExisting)
}

func TestFilter_ExcludeWinsOverInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sample"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample", "a.mkv"), []byte("x"), 0o644))

	s := openTestStore(t)
	scanner := discovery.New(s, nil)

	result, err := scanner.ScanDirectory(context.Background(), dir, discovery.Filter{
		Include: []string{"**/*.mkv"},
		Exclude: []string{"sample/**"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesAdded)
}
