// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/rs/zerolog"
)

// Holder holds the active configuration and reloads it when the file changes.
// Only the log level is applied live; other changes are reported as requiring a restart.
type Holder struct {
	mu         sync.RWMutex
	current    AppConfig
	loader     *Loader
	configPath string
	logger     zerolog.Logger
	onReload   func(old, next AppConfig)
	debounce   time.Duration
}

// NewHolder creates a holder with the initially loaded config.
func NewHolder(initial AppConfig, loader *Loader, configPath string, onReload func(old, next AppConfig)) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     xglog.WithComponent("config"),
		onReload:   onReload,
		debounce:   500 * time.Millisecond,
	}
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload reloads configuration from file. On failure the old config is kept.
func (h *Holder) Reload(_ context.Context) error {
	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("failed to reload configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = next
	h.mu.Unlock()

	if old.LogLevel != next.LogLevel {
		if err := xglog.SetLevel(next.LogLevel); err != nil {
			h.logger.Warn().Err(err).Str("level", next.LogLevel).Msg("ignoring invalid log level")
		}
	}
	if restartRequired(old, next) {
		h.logger.Warn().Str(xglog.FieldEvent, "config.restart_required").Msg("configuration changed in fields that apply on restart only")
	}
	if h.onReload != nil {
		h.onReload(old, next)
	}
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// Watch watches the config file until ctx is done.
// If configPath is empty, this is a no-op.
func (h *Holder) Watch(ctx context.Context) error {
	if h.configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.logger.Info().Str(xglog.FieldEvent, "config.watcher_started").Str(xglog.FieldPath, h.configPath).Msg("watching config file for changes")
	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(h.debounce, func() {
				_ = h.Reload(ctx)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

func restartRequired(old, next AppConfig) bool {
	old.LogLevel, next.LogLevel = "", ""
	return old != next
}
