package catalog

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"konform/internal/logging"
)

// Watcher hot-reloads the catalog when its file changes on disk or the
// process receives SIGHUP. Editor atomic saves (write temp, rename) are
// handled by watching the directory rather than the file itself.
type Watcher struct {
	mu          sync.Mutex
	manager     *Manager
	watcher     *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the manager's catalog file. Managers
// using the embedded catalog have nothing to watch; NewWatcher returns
// nil for them.
func NewWatcher(m *Manager) (*Watcher, error) {
	if m.Path() == "" {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		manager:     m,
		watcher:     fsw,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the loop runs until Stop or
// context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.manager.Path())
	if err := w.watcher.Add(dir); err != nil {
		logging.Warn(logging.CategoryCatalog, "watch failed for %s: %v (SIGHUP reload still works)", dir, err)
	} else {
		logging.Info(logging.CategoryCatalog, "watching %s for catalog changes", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop terminates the watch loop and releases the inotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Error(logging.CategoryCatalog, "closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	target := filepath.Clean(w.manager.Path())

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case <-hup:
			logging.Info(logging.CategoryCatalog, "SIGHUP received, reloading catalog")
			_ = w.manager.Reload()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.debounceMap[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error(logging.CategoryCatalog, "watch error: %v", err)

		case <-debounceTicker.C:
			if w.takeSettled() {
				_ = w.manager.Reload()
			}
		}
	}
}

// takeSettled reports whether any recorded event has been quiet for the
// debounce window, clearing those entries.
func (w *Watcher) takeSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	settled := false
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	return settled
}
