package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and invokes a callback after
// changes settle. Editors often replace files via rename, so the parent
// directory is watched too and the path is re-added when it reappears.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	onChange func()
	running  bool
	debounce time.Duration
	timer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fsw,
		debounce: time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. onChange runs after the debounce window closes.
func (w *Watcher) Start(onChange func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.onChange = onChange

	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to watch config directory",
			zap.String("dir", filepath.Dir(w.path)),
			zap.Error(err),
		)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cancel()
	w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false

	w.logger.Info("Configuration watcher stopped")
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			switch {
			case event.Op&fsnotify.Write != 0:
				w.scheduleReload()
			case event.Op&fsnotify.Create != 0:
				// Recreated after delete or atomic replace.
				w.watcher.Add(w.path)
				w.scheduleReload()
			case event.Op&fsnotify.Remove != 0:
				w.logger.Warn("Config file removed", zap.String("path", event.Name))
			case event.Op&fsnotify.Rename != 0:
				go func() {
					time.Sleep(100 * time.Millisecond)
					w.watcher.Add(w.path)
				}()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		cb := w.onChange
		w.mu.Unlock()

		w.logger.Info("Reloading configuration", zap.String("path", w.path))
		if cb != nil {
			cb()
		}
	})
}
