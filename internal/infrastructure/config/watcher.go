package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tunables are the hot-reloadable configuration values. Structural settings
// (ports, database, sidecar commands) require a restart; these do not.
type Tunables struct {
	NoiseThreshold   float64
	MaxIterations    int
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	PerCallLimitUSD  float64
	CompactionWarn   float64
	CompactionAggr   float64
	CompactionEmerg  float64
}

// TunablesFrom extracts the hot-reloadable subset of cfg.
func TunablesFrom(cfg *Config) Tunables {
	return Tunables{
		NoiseThreshold:   cfg.Classifier.NoiseThreshold,
		MaxIterations:    cfg.Agent.MaxIterations,
		DailyBudgetUSD:   cfg.Budget.DailyUSD,
		MonthlyBudgetUSD: cfg.Budget.MonthlyUSD,
		PerCallLimitUSD:  cfg.Budget.PerCallUSD,
		CompactionWarn:   cfg.Compaction.Warn,
		CompactionAggr:   cfg.Compaction.Aggressive,
		CompactionEmerg:  cfg.Compaction.Emergency,
	}
}

// Watcher hot-reloads tunable config values when the config file changes.
// Reads are safe from any goroutine; structural config is never swapped.
type Watcher struct {
	path     string
	mu       sync.RWMutex
	tunables Tunables
	onChange []func(Tunables)
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	logger   *zap.Logger
}

// NewWatcher creates a watcher seeded from cfg; path is the config file to
// watch. The watcher is inert until Start.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		tunables: TunablesFrom(cfg),
		stopCh:   make(chan struct{}),
		logger:   logger.With(zap.String("component", "config-watcher")),
	}
}

// Tunables returns the current hot-reloadable values.
func (w *Watcher) Tunables() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tunables
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(Tunables)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Start begins watching. Blocks until Stop; run it under safego.Go.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	// Watch the directory: editors replace files on save, which would
	// otherwise drop the watch on the file itself.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	w.logger.Info("Config watcher started", zap.String("path", w.path))

	for {
		select {
		case <-w.stopCh:
			fsw.Close()
			w.logger.Info("Config watcher stopped")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Stop signals the watcher to shut down.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
		return
	}

	t := TunablesFrom(cfg)
	w.mu.Lock()
	w.tunables = t
	callbacks := make([]func(Tunables), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	w.logger.Info("Config reloaded",
		zap.Float64("noise_threshold", t.NoiseThreshold),
		zap.Int("max_iterations", t.MaxIterations),
	)
	for _, fn := range callbacks {
		fn(t)
	}
}
