package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flemzord/strata/internal/apperr"
)

// Link pairs a canonical session log with the linked copy strata reads.
type Link struct {
	SessionID string
	Canonical string
	Linked    string
}

// Syncer copies canonical logs into their linked copies. The canonical file
// is opened read-only; the linked copy is replaced atomically.
type Syncer struct {
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSyncer creates a Syncer. A nil logger uses slog.Default().
func NewSyncer(logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{logger: logger.With("component", "source.sync")}
}

// Sync refreshes the linked copy when the canonical file is newer or a
// different size. It reports whether a copy was made.
func (s *Syncer) Sync(l Link) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.Stat(l.Canonical)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, apperr.Wrap(apperr.SourceMissing, "source: sync", err)
		}
		return false, apperr.Wrap(apperr.Internal, "source: sync", err)
	}
	if dst, err := os.Stat(l.Linked); err == nil {
		if dst.Size() == src.Size() && !src.ModTime().After(dst.ModTime()) {
			return false, nil
		}
	}

	if err := copyAtomic(l.Canonical, l.Linked); err != nil {
		return false, apperr.Wrap(apperr.Internal, "source: sync", err)
	}
	s.logger.Debug("linked copy refreshed", "session", l.SessionID, "path", l.Linked)
	return true, nil
}

// Watch re-syncs links whenever their canonical file is written, calling
// onSync after each successful copy. It blocks until ctx is done.
func (s *Syncer) Watch(ctx context.Context, links []Link, onSync func(Link)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("source: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	byPath := make(map[string]Link, len(links))
	dirs := make(map[string]struct{})
	for _, l := range links {
		abs, err := filepath.Abs(l.Canonical)
		if err != nil {
			return fmt.Errorf("source: resolve %s: %w", l.Canonical, err)
		}
		byPath[abs] = l
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	// Watching directories keeps working when editors replace files.
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("source: watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			l, tracked := byPath[filepath.Clean(ev.Name)]
			if !tracked {
				continue
			}
			copied, err := s.Sync(l)
			if err != nil {
				s.logger.Warn("sync failed", "session", l.SessionID, "error", err)
				continue
			}
			if copied && onSync != nil {
				onSync(l)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

// copyAtomic copies src to dst through a temporary file in dst's directory.
func copyAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
