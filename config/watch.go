// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last change to
// the file before it reloads it.
const DefaultDebounce = 250 * time.Millisecond

// WatcherOption customizes a Watcher.
type WatcherOption interface {
	apply(*Watcher)
}

// WithDebounce sets the quiet period after a change.
func WithDebounce(d time.Duration) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.debounce = d
	})
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.logger = logger
	})
}

// WithWatcherClock sets the clock used for debouncing.
func WithWatcherClock(clock internal.Clock) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.clock = clock
	})
}

// WithLoader replaces the function that loads the file after a change.
// The default is LoadConfigWithEnvOverrides.
func WithLoader(load func(path string) (*Config, error)) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.load = load
	})
}

type watcherOptionFunc func(*Watcher)

func (f watcherOptionFunc) apply(w *Watcher) {
	f(w)
}

// Watcher reloads a configuration file whenever it changes.
//
// The directory holding the file is watched rather than the file itself,
// so that editors and deployment tools that replace the file by renaming
// are noticed.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	clock    internal.Clock
	load     func(path string) (*Config, error)
	fs       *fsnotify.Watcher

	mu sync.Mutex
	// +checklocks:mu
	timer internal.Timer
	// +checklocks:mu
	closed bool
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	w := &Watcher{path: abs, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt.apply(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.clock == nil {
		w.clock = internal.NewRealClock()
	}
	if w.load == nil {
		w.load = LoadConfigWithEnvOverrides
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	w.fs = fs
	return w, nil
}

// Watch blocks until ctx is done or the watcher is closed, calling
// onChange with every configuration that loads successfully after the file
// changed. Files that fail to load are logged and skipped.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	w.logger.Info("watching configuration", slog.String("path", w.path), slog.Duration("debounce", w.debounce))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("configuration file event", slog.String("op", event.Op.String()))
			w.trigger(onChange)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configuration watcher error", slog.Any("error", err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if err := w.fs.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) trigger(onChange func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = w.clock.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		cfg, err := w.load(w.path)
		if err != nil {
			w.logger.Error("configuration reload failed", slog.Any("error", err))
			return
		}
		w.logger.Info("configuration reloaded", slog.String("path", w.path))
		onChange(cfg)
	})
}
