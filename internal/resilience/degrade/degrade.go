// Package degrade implements the graceful-degradation strategy table: a
// feature-flag gate backed by a fsnotify-watched JSON file (grounded on
// the teacher's infrastructure/config/watcher.go debounced ConfigWatcher
// pattern, adapted from application config to a feature-flag map) plus a
// tiny in-memory TTL cache. No external cache library is used: the
// teacher itself hand-rolls internal/di/cache's InMemoryCache for exactly
// this shape, and nothing in the pack supplies a better-fit tiny
// single-process TTL cache.
package degrade

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
)

// Strategy is the fallback behaviour dispatched on failure.
type Strategy string

const (
	FailFast         Strategy = "FAIL_FAST"
	FallbackValue    Strategy = "FALLBACK_VALUE"
	FallbackCache    Strategy = "FALLBACK_CACHE"
	FallbackFunction Strategy = "FALLBACK_FUNCTION"
	Skip             Strategy = "SKIP"
)

// Options configures one Execute call.
type Options struct {
	Strategy      Strategy
	FallbackValue any
	FallbackFn    func(err error) (any, error)
	CacheTTL      time.Duration
	Feature       string // empty means "always enabled"
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Degradation holds the feature-flag map and the fallback cache.
type Degradation struct {
	clock  clockid.Clock
	logger *zap.Logger

	flagsMu sync.RWMutex
	flags   map[string]bool

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	watcher *fsnotify.Watcher
	path    string
}

// New constructs a Degradation with an empty flag map (every feature
// enabled by default until a flag file is loaded).
func New(clock clockid.Clock, logger *zap.Logger) *Degradation {
	return &Degradation{
		clock:  clock,
		logger: logger,
		flags:  map[string]bool{},
		cache:  map[string]cacheEntry{},
	}
}

// LoadFlags replaces the in-memory flag map.
func (d *Degradation) LoadFlags(flags map[string]bool) {
	d.flagsMu.Lock()
	defer d.flagsMu.Unlock()
	d.flags = flags
}

// WatchFile starts an fsnotify watch on path (a JSON object of feature ->
// bool), reloading LoadFlags on every write/create event, debounced the
// way the teacher's ConfigWatcher debounces config reloads. loadFn reads
// and parses the file; callers supply it so this package stays decoupled
// from a specific config-loading implementation.
func (d *Degradation) WatchFile(path string, loadFn func(path string) (map[string]bool, error)) error {
	if flags, err := loadFn(path); err == nil {
		d.LoadFlags(flags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher
	d.path = path

	go d.watchLoop(loadFn)
	return nil
}

func (d *Degradation) watchLoop(loadFn func(path string) (map[string]bool, error)) {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(d.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				flags, err := loadFn(d.path)
				if err != nil {
					if d.logger != nil {
						d.logger.Error("feature flag reload failed", zap.Error(err))
					}
					return
				}
				d.LoadFlags(flags)
				if d.logger != nil {
					d.logger.Info("feature flags reloaded", zap.Int("count", len(flags)))
				}
			})
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the file watcher, if any.
func (d *Degradation) Close() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Degradation) featureEnabled(feature string) bool {
	if feature == "" {
		return true
	}
	d.flagsMu.RLock()
	defer d.flagsMu.RUnlock()
	enabled, ok := d.flags[feature]
	if !ok {
		return true
	}
	return enabled
}

// Execute evaluates the degradation policy around op.
func (d *Degradation) Execute(name string, op func() (any, error), opts Options) (any, error) {
	if !d.featureEnabled(opts.Feature) {
		return d.shortCircuit(name, nil, opts)
	}

	val, err := op()
	if err == nil {
		if opts.Strategy == FallbackCache {
			d.setCache(name, val, opts.CacheTTL)
		}
		return val, nil
	}

	return d.shortCircuit(name, err, opts)
}

func (d *Degradation) shortCircuit(name string, cause error, opts Options) (any, error) {
	switch opts.Strategy {
	case FailFast:
		if cause != nil {
			return nil, cause
		}
		return nil, nil
	case FallbackValue:
		return opts.FallbackValue, nil
	case FallbackCache:
		if v, ok := d.getCache(name); ok {
			return v, nil
		}
		return opts.FallbackValue, nil
	case FallbackFunction:
		if opts.FallbackFn != nil {
			return opts.FallbackFn(cause)
		}
		return nil, cause
	case Skip:
		return nil, nil
	default:
		if cause != nil {
			return nil, cause
		}
		return nil, nil
	}
}

func (d *Degradation) setCache(name string, value any, ttl time.Duration) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache[name] = cacheEntry{value: value, expiresAt: d.clock.Now().Add(ttl)}
}

func (d *Degradation) getCache(name string) (any, bool) {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	entry, ok := d.cache[name]
	if !ok || d.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}
