package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live holds the current configuration and swaps it when the file changes.
// Readers call Get on every use so reloaded values take effect on the next tick.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

// NewLive wraps an initial configuration.
func NewLive(cfg Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Set replaces the current configuration.
func (l *Live) Set(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// apply copies the runtime-reloadable sections of next into the live config.
// Server and scheduler topology only change on restart.
func (l *Live) apply(next Config) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Features = next.Features
	l.cfg.Expiry = next.Expiry
	l.cfg.Broadcast = next.Broadcast
	l.cfg.Liveness = next.Liveness
	return l.cfg
}

// Watch reloads path into live whenever it is written, until ctx is done.
// The directory is watched rather than the file so editors that replace the
// file on save are handled. onChange may be nil.
func Watch(ctx context.Context, path string, live *Live, logger *slog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger = logger.With("component", "config")
	go func() {
		defer watcher.Close()
		// Debounce bursts of write events from a single save.
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				next, err := Load(path)
				if err != nil {
					logger.Warn("config reload rejected", "path", path, "error", err)
					continue
				}
				cfg := live.apply(next)
				logger.Info("config reloaded", "path", path,
					"fail_fast_on_disconnect", cfg.Features.FailFastOnDisconnect)
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
