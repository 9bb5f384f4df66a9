// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch reloads the config at path whenever it changes.
//
// Description:
//
//	The parent directory is watched rather than the file so that editors
//	which save by rename are observed. Events for other files are ignored.
//	Events are debounced, then the file is loaded and validated; a file that
//	fails to load is logged and skipped, leaving the previous configuration
//	in effect. onChange runs on the watcher goroutine.
//
// Inputs:
//
//	ctx - Watching stops when ctx ends.
//	path - The config file. Must not be empty.
//	debounce - Quiet period before reloading. Non-positive uses DefaultWatchDebounce.
//	logger - Nil uses slog.Default().
//	onChange - Called with every successfully loaded configuration.
//
// Outputs:
//
//	error - Non-nil if the watcher cannot be created. Returns nil when ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(SimHostConfig)) error {
	if path == "" {
		return fmt.Errorf("watch config: empty path")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "config_watcher"), slog.String("path", path))

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring invalid config change", slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
