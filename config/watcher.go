package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

// Watcher reloads the configuration file when its content changes.
// Events that leave the content unchanged, which editors produce in
// bursts, do not trigger callbacks.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string

	mu         sync.RWMutex
	callbacks  []func(*Config)
	debounce   time.Duration
	timer      *time.Timer
	lastConfig *Config
	lastSum    uint64
}

// NewWatcher loads the initial configuration from configPath.
func NewWatcher(configPath string) (*Watcher, error) {
	w := &Watcher{
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}
	cfg, sum, err := w.load()
	if err != nil {
		return nil, err
	}
	w.lastConfig = cfg
	w.lastSum = sum

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsWatcher
	return w, nil
}

func (w *Watcher) load() (*Config, uint64, error) {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := w.loader.Parse(data)
	if err != nil {
		return nil, 0, err
	}
	return cfg, xxhash.Sum64(data), nil
}

// OnChange registers a callback run after every successful reload.
// Callbacks run sequentially on the reload goroutine.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Editors replace files, so watch the directory.
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	name := filepath.Base(w.configPath)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload applies the file if its content changed. A file that fails to
// load keeps the previous configuration active.
func (w *Watcher) reload() {
	cfg, sum, err := w.load()
	if err != nil {
		logging.Error("failed to reload config", zap.String("path", w.configPath), zap.Error(err))
		return
	}

	w.mu.Lock()
	if sum == w.lastSum {
		w.mu.Unlock()
		logging.Debug("config unchanged", zap.String("path", w.configPath))
		return
	}
	w.lastConfig = cfg
	w.lastSum = sum
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded",
		zap.String("path", w.configPath),
		zap.Int("groups", len(cfg.Routes)),
	)
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// GetConfig returns the configuration last loaded successfully.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
