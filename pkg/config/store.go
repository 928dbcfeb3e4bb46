/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current configuration snapshot and optionally watches
// the backing file for changes. Readers call Current and get a pointer
// that is never mutated; a successful reload swaps the pointer
// atomically. A reload that fails validation keeps the previous
// snapshot and only logs.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *zap.Logger
}

// NewStore loads the initial snapshot from path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already-built Config. Used by tests and by
// embedders that manage configuration themselves.
func NewStaticStore(cfg *Config, logger *zap.Logger) *Store {
	s := &Store{logger: logger}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Watch reloads the snapshot whenever the config file changes. It
// blocks until ctx is cancelled. Editors often replace files by rename,
// so the watch is placed on the parent directory.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(s.path)
			if err != nil {
				s.logger.Warn("config reload rejected, keeping previous snapshot",
					zap.String("path", s.path),
					zap.Error(err))
				continue
			}
			s.current.Store(cfg)
			s.logger.Info("config snapshot reloaded",
				zap.String("path", s.path),
				zap.Int("environments", len(cfg.Environments)),
				zap.Int("endpoints", len(cfg.Endpoints)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
