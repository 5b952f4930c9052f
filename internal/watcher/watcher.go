// Package watcher implements ixchel's file watcher (spec.md §4.10):
// recursive fsnotify watch of a repo's .ixchel/ directory, filtering out
// .ixchel/data/ and .ixchel/models/ and non-.md files, debouncing bursts
// of events into a single enqueue call. Grounded on the teacher's
// cmd/bd/daemon_watcher.go (fsnotify.Watcher wrapping, debounce-then-
// trigger shape, parent-directory watch to catch creates/renames).
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EnqueueFunc is called once per debounced burst of qualifying events.
type EnqueueFunc func()

// Watcher recursively watches one repo's .ixchel/ directory.
type Watcher struct {
	fsw       *fsnotify.Watcher
	root      string // .ixchel/ directory
	onChanged EnqueueFunc
	debounce  time.Duration

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// New creates a Watcher over ixchelDir (the repo's .ixchel/ directory),
// recursively adding every subdirectory except data/ and models/.
func New(ixchelDir string, debounce time.Duration, onChanged EnqueueFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:       fsw,
		root:      ixchelDir,
		onChanged: onChanged,
		debounce:  debounce,
		done:      make(chan struct{}),
	}

	if err := w.addTree(ixchelDir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignoredDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// ignoredDir reports whether path is (or is under) .ixchel/data or
// .ixchel/models, per spec.md §4.10.
func (w *Watcher) ignoredDir(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return first == "data" || first == "models"
}

// qualifies reports whether an event should trigger a re-sync: under
// .ixchel/, not under data/ or models/, and has a .md extension.
func (w *Watcher) qualifies(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".md") {
		return false
	}
	if w.ignoredDir(filepath.Dir(event.Name)) {
		return false
	}
	return true
}

// Run processes fsnotify events until Close is called. Intended to run in
// its own goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && isDir(event.Name) {
				w.addTree(event.Name) //nolint:errcheck // best-effort: new subdirectories just won't be watched
				continue
			}
			if !w.qualifies(event) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.trigger()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChanged)
}

// Close stops the watcher and releases its fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
