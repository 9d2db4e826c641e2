// Package watcher reports changes to thread directories so cached thread
// indexes can be refreshed.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"threaddeck/internal/logger"
)

const defaultDebounce = 500 * time.Millisecond

// UpdateCallback is called once per burst of changes in a watched directory.
type UpdateCallback func(dir string, threadCount int)

// Watcher monitors thread directories for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*dirWatcher // dir → watcher
	debounce time.Duration
	callback UpdateCallback
	log      *logger.Logger
}

type dirWatcher struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a new file system watcher. A non-positive debounce uses the
// default of 500ms.
func New(debounce time.Duration, callback UpdateCallback, log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		watchers: make(map[string]*dirWatcher),
		debounce: debounce,
		callback: callback,
		log:      log.WithFields(zap.String("component", "watcher")),
	}
}

// Watch starts watching dir. Watching the same directory twice is a no-op.
func (w *Watcher) Watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[dir]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return err
	}

	dw := &dirWatcher{
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	w.watchers[dir] = dw

	go w.watchLoop(dw)
	w.log.Info("watching thread directory", zap.String("dir", dir))
	return nil
}

// Unwatch stops watching dir.
func (w *Watcher) Unwatch(dir string) {
	w.mu.Lock()
	dw, ok := w.watchers[dir]
	if ok {
		delete(w.watchers, dir)
	}
	w.mu.Unlock()

	if ok {
		close(dw.cancel)
		dw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(dw *dirWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-dw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}
			if !isThreadEvent(event) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.notify(dw)
			})

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("dir", dw.dir), zap.Error(err))
		}
	}
}

func (w *Watcher) notify(dw *dirWatcher) {
	select {
	case <-dw.cancel:
		return
	default:
	}
	count := CountThreadFiles(dw.dir)
	w.log.Debug("thread directory changed", zap.String("dir", dw.dir), zap.Int("threads", count))
	if w.callback != nil {
		w.callback(dw.dir, count)
	}
}

// isThreadEvent reports whether event touches a thread file. Temp files used
// for atomic writes are hidden and ignored; the final rename is seen as a
// create of the .json file.
func isThreadEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return isThreadFile(filepath.Base(event.Name))
}

func isThreadFile(name string) bool {
	return !isHidden(name) && strings.HasSuffix(name, ".json")
}

// CountThreadFiles counts the thread files directly inside dir.
func CountThreadFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && isThreadFile(e.Name()) {
			count++
		}
	}
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.watchers))
	for dir := range w.watchers {
		dirs = append(dirs, dir)
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		w.Unwatch(dir)
	}
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
