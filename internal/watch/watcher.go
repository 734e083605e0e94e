// Package watch monitors capture directories for newly arrived frames
// so live sequences can be extended while acquisition is still running.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FrameEvent represents a frame file change in a watched directory.
type FrameEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// SequenceWatcher monitors directories for new or changed frame files.
type SequenceWatcher struct {
	watcher   *fsnotify.Watcher
	log       *slog.Logger
	Events    chan FrameEvent
	watchDirs []string
	done      chan struct{}
}

// New creates a watcher over the given directories. Call Start to
// begin receiving events.
func New(log *slog.Logger, watchPaths []string) (*SequenceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SequenceWatcher{
		watcher:   watcher,
		log:       log,
		Events:    make(chan FrameEvent, 100),
		watchDirs: watchPaths,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *SequenceWatcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher. The event channel is closed by the pump
// goroutine once it drains, so consumers ranging over Events terminate.
func (w *SequenceWatcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// processEvents owns the Events channel: only this goroutine sends on
// it, and it closes the channel when it returns.
func (w *SequenceWatcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "deleted"
			default:
				continue
			}

			if !isFrameFile(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" {
				if info, err := os.Stat(event.Name); err == nil {
					size = info.Size()
				}
			}

			ev := FrameEvent{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
				Size:      size,
			}

			// Drop rather than block when the consumer lags.
			select {
			case w.Events <- ev:
			default:
				w.log.Warn("dropping frame event, consumer too slow", "path", ev.Path)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// isFrameFile reports whether a path names a frame format we handle.
func isFrameFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits", ".fts", ".ser":
		return true
	}
	return false
}
