// Package plugin hot-loads sidecar manifests from the filesystem. A
// manifest is a JSON file describing one external sidecar process; dropping
// a file into the manifest directory registers the sidecar, rewriting it
// restarts it with the new definition, removing it unregisters it.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/sidecar"
	"github.com/miosa-osa/osa/pkg/safego"
)

// Manifest is the on-disk sidecar declaration.
type Manifest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"` // nil = enabled
}

func (m *Manifest) enabled() bool {
	return m.Enabled == nil || *m.Enabled
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest has no name")
	}
	if strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("manifest %s has no command", m.Name)
	}
	return nil
}

// Loader watches a directory of sidecar manifests and keeps the sidecar
// manager in sync with it.
type Loader struct {
	dir     string
	manager *sidecar.Manager
	logger  *zap.Logger

	mu     sync.Mutex
	loaded map[string]string // manifest path -> sidecar name
	watch  *fsnotify.Watcher
}

// NewLoader creates a loader over dir. The directory is created if missing.
func NewLoader(dir string, manager *sidecar.Manager, logger *zap.Logger) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Loader{
		dir:     dir,
		manager: manager,
		logger:  logger.With(zap.String("component", "plugin-loader")),
		loaded:  make(map[string]string),
	}, nil
}

// LoadAll registers every valid manifest currently in the directory.
// Invalid manifests are logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		l.apply(ctx, filepath.Join(l.dir, entry.Name()))
	}
	return nil
}

// Watch follows directory changes until ctx is cancelled. Call after
// LoadAll.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.mu.Lock()
	l.watch = watcher
	l.mu.Unlock()

	safego.GoCtx(ctx, l.logger, "plugin-watch", func(ctx context.Context) {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(evt.Name, ".json") {
					continue
				}
				switch {
				case evt.Op.Has(fsnotify.Remove) || evt.Op.Has(fsnotify.Rename):
					l.remove(evt.Name)
				case evt.Op.Has(fsnotify.Create) || evt.Op.Has(fsnotify.Write):
					l.apply(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Manifest watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

// Loaded returns the manifest paths currently registered.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	paths := make([]string, 0, len(l.loaded))
	for path := range l.loaded {
		paths = append(paths, path)
	}
	return paths
}

// apply loads one manifest and (re)registers its sidecar. A manifest with
// enabled=false tears its sidecar down.
func (l *Loader) apply(ctx context.Context, path string) {
	manifest, err := readManifest(path)
	if err != nil {
		l.logger.Warn("Skipping manifest", zap.String("path", path), zap.Error(err))
		return
	}
	if !manifest.enabled() {
		l.remove(path)
		return
	}

	sc, err := sidecar.StartProcess(ctx, sidecar.ProcessConfig{
		Name:    manifest.Name,
		Command: manifest.Command,
		Args:    manifest.Args,
		Env:     manifest.Env,
		WorkDir: manifest.WorkDir,
	}, l.logger)
	if err != nil {
		l.logger.Error("Sidecar start failed",
			zap.String("path", path),
			zap.String("sidecar", manifest.Name),
			zap.Error(err),
		)
		return
	}

	// Register replaces any previous instance with the same name.
	l.manager.Register(ctx, sc)

	l.mu.Lock()
	l.loaded[path] = manifest.Name
	l.mu.Unlock()

	l.logger.Info("Sidecar manifest applied",
		zap.String("path", path),
		zap.String("sidecar", manifest.Name),
	)
}

func (l *Loader) remove(path string) {
	l.mu.Lock()
	name, ok := l.loaded[path]
	delete(l.loaded, path)
	l.mu.Unlock()
	if !ok {
		return
	}

	l.manager.Unregister(name)
	l.logger.Info("Sidecar manifest removed",
		zap.String("path", path),
		zap.String("sidecar", name),
	)
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}
