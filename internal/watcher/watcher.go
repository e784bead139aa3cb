// Package watcher turns workspace file changes into catalog refresh jobs.
// Change bursts are debounced so one save-all produces one job.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
	"github.com/untoldecay/memory-hub/internal/workspace"
)

// DefaultDebounce is how long changes are coalesced before enqueueing.
const DefaultDebounce = 2 * time.Second

// Watcher watches one project's workspace and enqueues incremental_refresh
// jobs carrying the touched files.
type Watcher struct {
	store     *storage.Store
	projectID string
	debounce  time.Duration
	logger    *log.Logger
}

// New creates a Watcher. debounce falls back to DefaultDebounce when zero.
func New(store *storage.Store, projectID string, debounce time.Duration, logger *log.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{store: store, projectID: projectID, debounce: debounce, logger: logger}
}

// Run watches until the context is cancelled. The workspace binding is
// resolved (and bound on first use) before watching starts.
func (w *Watcher) Run(ctx context.Context) error {
	fallback, err := w.store.ProjectWorkspace(w.projectID)
	if err != nil {
		return err
	}
	db, err := w.store.Connect(ctx, w.projectID)
	if err != nil {
		return err
	}
	root, err := db.ResolveWorkspace(ctx, fallback)
	db.Close()
	if err != nil {
		return err
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer notifier.Close()

	if err := addDirTree(notifier, root); err != nil {
		return err
	}
	w.logger.Printf("watching %s for project %s", root, w.projectID)

	pending := make(map[string]bool)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// New directory: watch it and everything below.
					if err := addDirTree(notifier, event.Name); err != nil {
						w.logger.Printf("failed to watch new directory %s: %v", event.Name, err)
					}
					continue
				}
			}
			if !workspace.IsSupportedPath(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(root, event.Name)
			if err != nil {
				continue
			}
			pending[filepath.ToSlash(rel)] = true
			flush = time.After(w.debounce)

		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("watch error: %v", err)

		case <-flush:
			flush = nil
			files := make([]string, 0, len(pending))
			for path := range pending {
				files = append(files, path)
			}
			pending = make(map[string]bool)
			if err := w.enqueue(ctx, files); err != nil {
				w.logger.Printf("failed to enqueue refresh: %v", err)
			}
		}
	}
}

func (w *Watcher) enqueue(ctx context.Context, files []string) error {
	db, err := w.store.Connect(ctx, w.projectID)
	if err != nil {
		return err
	}
	defer db.Close()

	jobID, err := db.EnqueueCatalogJob(ctx, db, types.JobIncrementalRefresh, types.JobPayload{
		FilesTouched: files,
		Reason:       "watch_refresh",
	}, 0)
	if err != nil {
		return err
	}
	w.logger.Printf("enqueued %s for %d changed file(s)", jobID, len(files))
	return nil
}

// addDirTree watches dir and every non-ignored directory below it.
func addDirTree(notifier *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != dir && workspace.IgnoredDir(entry.Name()) {
			return filepath.SkipDir
		}
		if err := notifier.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
