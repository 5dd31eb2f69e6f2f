package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads an engine's policies when policy files change. A reload
// that fails to compile leaves the previous policy set in place.
type Watcher struct {
	engine  *Engine
	loader  *Loader
	paths   []string
	delay   time.Duration
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	reloads int
}

// NewWatcher creates a watcher over paths. Call Run to start it.
func NewWatcher(engine *Engine, paths []string, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		engine:  engine,
		loader:  NewLoader(logger),
		paths:   paths,
		delay:   DefaultReloadDelay,
		logger:  logger.With().Str("component", "policy-watcher").Logger(),
		watcher: fw,
	}

	for _, path := range paths {
		if err := w.add(path); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// add watches path, and every directory below it when it is a directory.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return w.watcher.Add(path)
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

// Reload loads every watched path and swaps the engine's policies.
func (w *Watcher) Reload(ctx context.Context) error {
	w.loader.ClearCache()
	policies, err := w.loader.LoadFromPaths(ctx, w.paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := w.engine.ReplacePolicies(ctx, policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	return nil
}

// Reloads reports how many reloads have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	w.logger.Info().Strs("paths", w.paths).Msg("Watching policy paths")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			w.schedule(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		if err := w.Reload(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
			return
		}
		w.logger.Info().Msg("Policies reloaded")
	})
}
