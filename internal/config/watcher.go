package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the on-disk YAML config on write/create events and
// publishes the decoded result, mirroring the teacher's MangleWatcher
// shape (internal/core/mangle_watcher.go): an fsnotify.Watcher driven by
// a single event-loop goroutine, debounced so rapid successive saves
// collapse into one reload.
type Watcher struct {
	mu      sync.RWMutex
	current *Config

	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	changes chan *Config
}

// NewWatcher starts watching path for changes, seeding Current() with
// the config already loaded at path. path must be non-empty; callers
// running without an on-disk config file should simply not construct a
// Watcher (spec §11: "optional hot-reload... not required for
// correctness").
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		// The config file may not exist yet (defaults stand on their
		// own); that is not fatal to constructing the watcher. Only the
		// file itself is watched and the add is not retried, so a path
		// that could not be added produces no events and no reloads.
		if logger != nil {
			logger.Warn("config watch add failed, hot-reload inactive for this path", zap.String("path", path), zap.Error(err))
		}
	}
	return &Watcher{
		current:  initial,
		path:     path,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		logger:   logger,
		changes:  make(chan *Config, 1),
	}, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Changes returns a channel that receives each successfully reloaded
// config. The channel is buffered to 1; a reload that arrives while the
// previous one is unread replaces it rather than blocking the watch loop.
func (w *Watcher) Changes() <-chan *Config {
	return w.changes
}

// Run drives the watch loop until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending bool
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watch error", zap.Error(err))
			}
		case <-timer.C:
			pending = false
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(_ context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config reload failed, keeping previous config", zap.String("path", w.path), zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	select {
	case w.changes <- cfg:
	default:
		select {
		case <-w.changes:
		default:
		}
		w.changes <- cfg
	}

	if w.logger != nil {
		w.logger.Info("config reloaded", zap.String("path", w.path))
	}
}
