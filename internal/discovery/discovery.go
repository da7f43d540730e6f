// Package discovery supplies the core with paths: a one-shot recursive
// scan plus a live fsnotify watch, both filtering through a doublestar
// glob and feeding Store.Upsert. Discovery itself never decides anything
// about a file beyond "this path exists now" — the state machine takes it
// from there.
package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/standardbeagle/mediastate/internal/logging"
	"github.com/standardbeagle/mediastate/internal/model"
	"github.com/standardbeagle/mediastate/internal/store"
)

// Waker is notified after discovery upserts at least one new path, so the
// planner can short-circuit its sleep.
type Waker interface {
	Wake()
}

// Filter selects which discovered paths are tracked.
type Filter struct {
	Include []string // doublestar patterns, matched against the path relative to the scan root
	Exclude []string
}

func (f Filter) matches(relPath string) bool {
	included := len(f.Include) == 0
	for _, pat := range f.Include {
		if ok, _ := doublestar.Match(pat, relPath); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pat := range f.Exclude {
		if ok, _ := doublestar.Match(pat, relPath); ok {
			return false
		}
	}
	return true
}

// Result is the outcome of one scan, per Manager.DiscoverDirectory.
type Result struct {
	FilesAdded    int
	FilesExisting int
}

// Scanner performs one-shot and live discovery against a Store.
type Scanner struct {
	store *store.Store
	waker Waker
	log   *zap.Logger
}

// New builds a Scanner writing discovered paths to s.
func New(s *store.Store, waker Waker) *Scanner {
	return &Scanner{store: s, waker: waker, log: logging.For("discovery")}
}

// ScanDirectory walks dir once (always recursive — the product has no
// meaningful notion of a flat media library) and upserts every path
// matching filter as a new FileEntry due immediately.
func (s *Scanner) ScanDirectory(ctx context.Context, dir string, filter Filter) (Result, error) {
	var result Result

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		if !filter.matches(rel) {
			return nil
		}

		existing, err := s.store.Get(ctx, path)
		if err != nil {
			return err
		}
		if existing != nil {
			result.FilesExisting++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entry := model.FileEntry{
			Path:         path,
			Size:         info.Size(),
			Integrity:    model.IntegrityUnknown,
			Processed:    model.ProcessedNew,
			NextCheckAt:  now,
			DiscoveredAt: now,
		}
		if err := s.store.Upsert(ctx, entry); err != nil {
			return err
		}
		result.FilesAdded++
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.FilesAdded > 0 && s.waker != nil {
		s.waker.Wake()
	}
	s.log.Info("scan complete", zap.String("dir", dir), zap.Int("added", result.FilesAdded), zap.Int("existing", result.FilesExisting))
	return result, nil
}

// Watch runs an fsnotify watch on dir until ctx is cancelled, upserting
// every create/write event that matches filter. It does not attempt to
// recursively add subdirectories created after the watch starts; files in
// those are picked up only by a later ScanDirectory.
func (s *Scanner) Watch(ctx context.Context, dir string, filter Filter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, dir, ev, filter)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (s *Scanner) handleEvent(ctx context.Context, root string, ev fsnotify.Event, filter Filter) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil || info.IsDir() {
		return
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	if !filter.matches(rel) {
		return
	}

	existing, err := s.store.Get(ctx, ev.Name)
	if err != nil {
		s.log.Warn("watch lookup failed", zap.String("path", ev.Name), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	now := time.Now().UTC()
	entry := model.FileEntry{
		Path:         ev.Name,
		Size:         info.Size(),
		Integrity:    model.IntegrityUnknown,
		Processed:    model.ProcessedNew,
		NextCheckAt:  now,
		DiscoveredAt: now,
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		s.log.Warn("watch upsert failed", zap.String("path", ev.Name), zap.Error(err))
		return
	}
	if s.waker != nil {
		s.waker.Wake()
	}
}
