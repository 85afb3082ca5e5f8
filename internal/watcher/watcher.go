// Package watcher turns filesystem change events under the mirror root into
// mirror operations: a written file becomes a topic update, a removed file a
// topic removal.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Events is the slice of the mirror the watcher drives.
type Events interface {
	OnFileChanged(ctx context.Context, path string) error
	OnFileRemoved(ctx context.Context, path string) error
}

// Watcher monitors the mirror root directory and all of its subdirectories.
type Watcher struct {
	root    string
	events  Events
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// New creates a watcher for the given root directory. The root is both the
// directory to watch and the topic-path prefix reported to the mirror.
func New(root string, events Events) *Watcher {
	return &Watcher{
		root:   root,
		events: events,
		logger: slog.Default().With("service", "watcher"),
	}
}

// Start begins monitoring and returns once the watch is registered. Event
// processing continues in the background until the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.root); err != nil {
		return fmt.Errorf("mirror root %q: %w", w.root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file system watcher: %w", err)
	}
	w.watcher = watcher

	// Watch the root and every subdirectory beneath it.
	err = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := watcher.Add(path); err != nil {
				return err
			}
			w.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		w.watcher = nil
		return fmt.Errorf("adding directories to watcher: %w", err)
	}

	go w.run(ctx)

	w.logger.Info("Started file system watcher", "root", w.root)
	return nil
}

// run handles file system events until the context ends.
func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.watcher.Close()
		w.logger.Info("File system watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("File system watcher events channel closed")
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("File system watcher errors channel closed")
				return
			}
			// Watcher errors are not fatal; mirroring resumes on the next event.
			w.logger.Error("File system watcher error", "error", err)
		}
	}
}

// handleEvent dispatches a single file system event to the mirror.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := filepath.ToSlash(event.Name)

	switch {
	case event.Op.Has(fsnotify.Create):
		// A new directory joins the watch; its contents are mirrored as if
		// freshly written, since events for them may predate the watch.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDirectory(ctx, event.Name)
			return
		}
		w.fileChanged(ctx, path)

	case event.Op.Has(fsnotify.Write):
		// Directories emit Write events too; only files are mirrored.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
		w.fileChanged(ctx, path)

	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		// A rename looks like a removal here; the create event for the new
		// name is delivered separately.
		if err := w.events.OnFileRemoved(ctx, path); err != nil {
			w.logger.Error("Failed to mirror file removal", "path", path, "error", err)
		}
	}
}

func (w *Watcher) fileChanged(ctx context.Context, path string) {
	if err := w.events.OnFileChanged(ctx, path); err != nil {
		w.logger.Error("Failed to mirror file change", "path", path, "error", err)
	}
}

// addDirectory registers a newly created directory and mirrors any files that
// appeared before the watch took effect.
func (w *Watcher) addDirectory(ctx context.Context, dir string) {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			w.logger.Debug("Watching directory", "path", path)
			return nil
		}
		w.fileChanged(ctx, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		w.logger.Error("Failed to watch new directory", "path", dir, "error", err)
	}
}
