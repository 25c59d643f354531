package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/health"
)

// DynamicSettings is the hot-reloadable part of configuration: the
// degradation feature-flag map and the adaptive-enforcement thresholds.
// Grounded on the teacher's DynamicConfig/ConfigWatcher pair, narrowed
// from graph-app limits (MaxNodesPerGraph, SyncEdgeLimit, ...) to the two
// settings surfaces this module's degrade and health packages actually
// consume.
type DynamicSettings struct {
	Features    map[string]bool             `json:"features"`
	Enforcement health.EscalationThresholds `json:"enforcement"`
	Metadata    SettingsMetadata            `json:"metadata"`
}

// SettingsMetadata mirrors the teacher's ConfigMetadata (version/updatedAt/
// updatedBy) so operators can tell which revision of the settings file is
// live.
type SettingsMetadata struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// DefaultDynamicSettings is used when no settings file exists yet.
func DefaultDynamicSettings() DynamicSettings {
	return DynamicSettings{
		Features:    map[string]bool{},
		Enforcement: health.DefaultEscalationThresholds,
	}
}

// Watcher watches a DynamicSettings JSON file for changes, debouncing
// reloads the way the teacher's ConfigWatcher debounces config file
// events, and fans out to registered onChange callbacks.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	current  DynamicSettings
	onChange []func(DynamicSettings)
	stopCh   chan struct{}
}

// NewWatcher loads path (creating a default-valued file if absent) and
// starts watching it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	settings, err := loadOrInit(path)
	if err != nil {
		return nil, fmt.Errorf("config: load initial settings: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: create settings dir: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch settings dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: settings,
		stopCh:  make(chan struct{}),
	}
	return w, nil
}

// Start begins the background watch loop.
func (w *Watcher) Start() {
	go w.watchLoop()
	if w.logger != nil {
		w.logger.Info("dynamic settings watcher started", zap.String("path", w.path))
	}
}

// Stop tears down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

// Current returns the currently loaded settings.
func (w *Watcher) Current() DynamicSettings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked (in its own goroutine) whenever a
// reload succeeds.
func (w *Watcher) OnChange(handler func(DynamicSettings)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, handler)
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Error("dynamic settings watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) reload() {
	settings, err := loadSettingsFile(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("dynamic settings reload failed, keeping current", zap.Error(err))
		}
		return
	}
	if err := validateSettings(settings); err != nil {
		if w.logger != nil {
			w.logger.Error("dynamic settings invalid, keeping current", zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	w.current = settings
	handlers := append([]func(DynamicSettings){}, w.onChange...)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Info("dynamic settings reloaded", zap.String("version", settings.Metadata.Version))
	}
	for _, h := range handlers {
		go h(settings)
	}
}

func validateSettings(s DynamicSettings) error {
	if s.Enforcement.SoftBlockAt < 1 {
		return fmt.Errorf("enforcement.softBlockAt must be >= 1")
	}
	if s.Enforcement.HardBlockAt < s.Enforcement.SoftBlockAt {
		return fmt.Errorf("enforcement.hardBlockAt must be >= softBlockAt")
	}
	return nil
}

func loadOrInit(path string) (DynamicSettings, error) {
	settings, err := loadSettingsFile(path)
	if os.IsNotExist(err) {
		settings = DefaultDynamicSettings()
		settings.Metadata = SettingsMetadata{Version: "v0", UpdatedBy: "default"}
		if werr := writeSettingsFile(path, settings); werr != nil {
			return DynamicSettings{}, werr
		}
		return settings, nil
	}
	return settings, err
}

func loadSettingsFile(path string) (DynamicSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DynamicSettings{}, err
	}
	var s DynamicSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return DynamicSettings{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return s, nil
}

func writeSettingsFile(path string, s DynamicSettings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FeatureFlags adapts Current().Features for degrade.Degradation.LoadFlags
// / WatchFile's loadFn signature.
func (w *Watcher) FeatureFlags() map[string]bool {
	return w.Current().Features
}
