package indexer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"assetindex/internal/logging"
	"assetindex/internal/metrics"
)

// ErrNotificationGap means notifications were lost, for example when the
// kernel queue overflowed. The affected root needs a sweep.
var ErrNotificationGap = errors.New("filesystem notifications were lost")

// Op is the kind of filesystem notification.
type Op int

const (
	OpCreated Op = iota + 1
	OpModified
	OpDeleted
	OpRenamed
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	case OpRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is one filesystem notification. For OpRenamed, Path is the old
// name; the new name arrives as a separate OpCreated.
type Event struct {
	Op   Op
	Path string
}

// Source delivers notifications for one root. Gaps carries errors matching
// ErrNotificationGap; individual gaps are never fatal.
type Source interface {
	Events() <-chan Event
	Gaps() <-chan error
	Close() error
}

// SourceFactory creates the notification source of a root.
type SourceFactory func(root string, filter *Filter) (Source, error)

// Watcher is the fsnotify Source. It registers every directory of the root
// and follows directories created later.
type Watcher struct {
	root    string
	filter  *Filter
	watcher *fsnotify.Watcher

	events chan Event
	gaps   chan error

	mu      sync.Mutex
	watched int

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching root recursively.
func NewWatcher(root string, filter *Filter) (Source, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher for %s: %w", root, err)
	}

	w := &Watcher{
		root:    root,
		filter:  filter,
		watcher: fw,
		events:  make(chan Event, 4096),
		gaps:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	w.addTree(root)
	logging.Debug("Watcher started for %s, watching %d directories", root, w.watchedCount())

	go w.run()
	return w, nil
}

// Events implements Source.
func (w *Watcher) Events() <-chan Event { return w.events }

// Gaps implements Source.
func (w *Watcher) Gaps() <-chan error { return w.gaps }

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.mu.Lock()
		metrics.WatchedDirectories.Sub(float64(w.watched))
		w.watched = 0
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) watchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched
}

// addTree registers dir and every directory below it.
func (w *Watcher) addTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are covered by sweeps
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.root, path); err == nil && w.filter.Ignored(rel, true) {
			return filepath.SkipDir
		}

		if addErr := w.watcher.Add(path); addErr != nil {
			logging.Warn("failed to add path to watcher %s: %v", path, addErr)
			w.gap(addErr)
			return nil
		}

		w.mu.Lock()
		w.watched++
		w.mu.Unlock()
		metrics.WatchedDirectories.Inc()
		return nil
	})
	if err != nil {
		logging.Error("failed to walk %s for watcher: %v", dir, err)
	}
}

func (w *Watcher) run() {
	defer close(w.events)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.gap(err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreated
	case event.Op&fsnotify.Write != 0:
		op = OpModified
	case event.Op&fsnotify.Remove != 0:
		op = OpDeleted
	case event.Op&fsnotify.Rename != 0:
		op = OpRenamed
	default:
		return
	}

	if op == OpCreated {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if w.filter.Ignored(rel, true) {
				return
			}
			w.addTree(event.Name)
		}
	}
	if w.filter.Ignored(rel, false) {
		return
	}

	select {
	case w.events <- Event{Op: op, Path: event.Name}:
	default:
		w.gap(errors.New("event buffer full"))
	}
}

// gap reports lost notifications. Pending gaps coalesce.
func (w *Watcher) gap(cause error) {
	err := fmt.Errorf("%w: %s: %v", ErrNotificationGap, w.root, cause)
	select {
	case w.gaps <- err:
	default:
	}
}
