// Package watch monitors the reduced-image tree and triggers runs when new
// reduced images arrive.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"refbuild/internal/fsutil"
	"refbuild/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Event is a change to a reduced image.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher follows a directory tree. fsnotify is not recursive, so every
// directory below the root is added, including ones created later.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	root    string
	done    chan struct{}
	log     *slog.Logger
}

// New creates a watcher for root. Call Start to begin delivering events.
func New(root string, log *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: watcher,
		Events:  make(chan Event, 100),
		root:    root,
		done:    make(chan struct{}),
		log:     logging.OrDiscard(log),
	}, nil
}

// Start adds the directory tree and begins processing events.
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.log.Info("watching directory", "path", w.root)
	go w.processEvents()
	return nil
}

// Stop ends the watch. Events is closed once processing has exited.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
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
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if operation == "created" {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.log.Warn("unable to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !fsutil.IsReduced(event.Name) {
				continue
			}

			ev := Event{Path: event.Name, Operation: operation, Time: time.Now()}
			select {
			case w.Events <- ev:
			case <-w.done:
				return
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Debounce collects events and calls fn with the distinct paths once no
// new event has arrived for delay. fn runs on the calling goroutine, so
// events arriving during a run are batched for the next one. Debounce
// returns when ctx is done or events is closed, flushing a pending batch
// in the latter case.
func Debounce(ctx context.Context, events <-chan Event, delay time.Duration, fn func(context.Context, []string)) {
	pending := make(map[string]bool)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		pending = make(map[string]bool)
		fn(ctx, paths)
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case ev, ok := <-events:
			if !ok {
				stop()
				flush()
				return
			}
			pending[ev.Path] = true
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			flush()
		}
	}
}
