package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config from disk whenever its backing TOML file changes,
// debouncing bursts of writes the way editors/config-management tools
// produce them.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(Config, error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher bound to the TOML file at path. onReload is
// called with the freshly reloaded Config after every debounced write, or
// with a non-nil error if the reload failed (the prior Config is left in
// place by the caller in that case).
func NewWatcher(path string, onReload func(Config, error)) *Watcher {
	return &Watcher{path: path, debounce: 250 * time.Millisecond, onReload: onReload}
}

// Start begins watching. It is a no-op if path is empty (hot-reload
// disabled) or a watch is already running.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watch and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := Load(w.path)
			w.onReload(cfg, err)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			// Many editors replace the file on save (write to a temp file,
			// rename over the original) rather than writing in place, so a
			// Remove/Rename must re-arm the watch the same way a plain Write
			// triggers a reload.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				scheduleReload()
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = fw.Add(w.path)
				scheduleReload()
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}
