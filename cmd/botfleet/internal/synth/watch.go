// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	// ConfigPath is the fleet configuration file. Only events on this exact
	// file are considered in its directory.
	ConfigPath string

	// StrategyRoot is watched recursively.
	StrategyRoot string

	// Debounce is how long to wait for more changes before triggering.
	// Default: 300ms
	Debounce time.Duration

	Logger *slog.Logger
}

var watchIgnore = []string{"__pycache__", ".git", "*.pyc", "*.swp", "*.tmp", "*~"}

// Watch calls onChange once per burst of changes to the configuration file or
// any strategy source, until ctx is cancelled.
func Watch(ctx context.Context, opts WatchOptions, onChange func()) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	configAbs, err := filepath.Abs(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(configAbs)); err != nil {
		return err
	}
	if err := addRecursive(watcher, opts.StrategyRoot); err != nil {
		return err
	}
	rootAbs, _ := filepath.Abs(opts.StrategyRoot)

	relevant := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		if abs == configAbs {
			return true
		}
		return strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) && !ignored(abs)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			logger.Debug("Source change", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", "error", err)
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range watchIgnore {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
