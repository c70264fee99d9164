// Package watcher reports changes to policy files below a directory.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

var log = commonlog.GetLogger("apparmor.watcher")

// Handler receives settled changes. Changed is called for files that
// exist after the debounce period, Removed for files that do not.
type Handler struct {
	Changed func(path string)
	Removed func(path string)
}

// Watcher watches a directory tree and reports file changes once they
// have been quiet for the debounce period.
type Watcher struct {
	root     string
	handler  Handler
	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// New creates a watcher for root. A zero debounce defaults to 300ms.
func New(root string, debounce time.Duration, handler Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce == 0 {
		debounce = 300 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		handler:  handler,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}, nil
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.addDirs(w.root); err != nil {
		w.watcher.Close()
		return err
	}
	log.Infof("watching %s", w.root)

	ticker := time.NewTicker(w.debounce / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping watcher")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warningf("watcher error: %s", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// addDirs recursively adds directories to watch.
func (w *Watcher) addDirs(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && resolver.IgnoreDir(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			log.Warningf("failed to watch %s: %s", path, err)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirs(event.Name); err != nil {
				log.Warningf("failed to watch new directory %s: %s", event.Name, err)
			}
			return
		}
	}
	if resolver.IgnoreFile(event.Name) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()
	log.Debugf("%s: %s", event.Op, event.Name)
}

// flush reports the files that have been stable for the debounce period.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string

	w.pendingMu.Lock()
	for path, changedAt := range w.pending {
		if now.Sub(changedAt) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if w.handler.Removed != nil {
				w.handler.Removed(path)
			}
		case err != nil:
			log.Warningf("failed to stat %s: %s", path, err)
		case info.Mode().IsRegular():
			if w.handler.Changed != nil {
				w.handler.Changed(path)
			}
		}
	}
}
