package config

import (
	"context"
	"fmt"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"path/filepath"
	"sync"
	"time"
)

const reloadDebounce = 100 * time.Millisecond

// WatchConfig configures config file watcher.
type WatchConfig struct {
	// Path is config file to watch.
	Path string
	// Base is configuration that file and environment values are applied on top of on every reload.
	// Usually defaults with command line flags applied.
	Base Config
	// Changed contains flags that were explicitly set and must not be overridden by file.
	Changed map[string]bool
	// Debounce is time to wait after last file event before reloading. Editors produce multiple events per save.
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Watch watches config file for changes and sends validated configuration to returned channel after every change.
// Invalid configurations are logged and skipped. Channel is closed when context is cancelled.
func Watch(ctx context.Context, cfg WatchConfig) (<-chan Config, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config watch: path is required")
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = reloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: failed to create watcher: %w", err)
	}
	// directory is watched as editors and config management replace the file instead of writing into it
	dir := filepath.Dir(cfg.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch: failed to watch %s: %w", dir, err)
	}
	fileName := filepath.Base(cfg.Path)

	out := make(chan Config, 1)
	reload := make(chan struct{}, 1)

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	go func() {
		defer close(out)
		defer watcher.Close()
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != fileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				schedule()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			case <-reload:
				if !FileExists(cfg.Path) {
					continue
				}
				next, err := Load(cfg.Base, cfg.Path, cfg.Changed)
				if err != nil {
					logger.Error().Err(err).Str("path", cfg.Path).Msg("config reload failed, keeping previous configuration")
					continue
				}
				logger.Info().Str("path", cfg.Path).Msg("config reloaded")
				select {
				case out <- next:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
