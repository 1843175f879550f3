// Package appconfig - watcher.go provides config file hot-reload support.
//
// The watcher polls the config file for changes (stat-based, every 5
// seconds) and notifies registered callbacks when the optimizer or paper
// execution settings change.
//
// Only Optimizer and Paper settings are reloadable. HTTPAddr, DatabaseURL,
// ComputeBackend and the other structural settings require a process
// restart.
package appconfig

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher monitors the config file for changes and invokes callbacks when
// the reloadable fields change. It uses stat-based polling (no external
// dependency like fsnotify required — matching the teacher's own choice).
type Watcher struct {
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new *Config)
	done     chan struct{}
	stopped  bool
}

// NewWatcher creates a watcher for the given config file path. initial is
// the currently loaded config. The watcher does not start until Start() is
// called.
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked when the config file changes and
// the new config passes validation. Callbacks receive the old and new
// config values. Multiple callbacks may be registered.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling the config file for changes in a background
// goroutine. Returns an error if the initial file stat fails.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.logger.Info("watching config file for changes", zap.String("path", w.path), zap.Duration("poll_interval", 5*time.Second))

	go w.pollLoop()
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.logger.Info("config watcher stopped")
	}
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat error", zap.Error(err))
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config read error", zap.Error(err))
		return
	}

	newCfg := Default()
	if err := json.Unmarshal(data, newCfg); err != nil {
		w.logger.Warn("config parse error, keeping old config", zap.Error(err))
		return
	}
	if err := newCfg.Validate(); err != nil {
		w.logger.Warn("config validation error, keeping old config", zap.Error(err))
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	if !reloadableChanged(oldCfg, newCfg) {
		return
	}

	w.logger.Info("reloadable config changed",
		zap.Any("old_optimizer", oldCfg.Optimizer), zap.Any("new_optimizer", newCfg.Optimizer),
		zap.Any("old_paper", oldCfg.Paper), zap.Any("new_paper", newCfg.Paper),
	)

	w.mu.Lock()
	w.current = newCfg
	callbacks := make([]func(old, new *Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldCfg, newCfg)
	}
}

func reloadableChanged(old, new *Config) bool {
	return old.Optimizer != new.Optimizer || old.Paper != new.Paper
}
