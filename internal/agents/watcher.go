// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce groups bursts of editor writes into one reload.
const DefaultWatchDebounce = 300 * time.Millisecond

// =============================================================================
// CATALOG WATCHER
// =============================================================================

// CatalogWatcher calls onChange after a local catalog file settles.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are still observed.
type CatalogWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()
	log      zerolog.Logger

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCatalogWatcher creates a watcher for the catalog file at path.
func NewCatalogWatcher(path string, debounce time.Duration, onChange func(), log zerolog.Logger) (*CatalogWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CatalogWatcher{
		path:     abs,
		watcher:  w,
		debounce: debounce,
		onChange: onChange,
		log:      log.With().Str("component", "catalog-watcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching. Call Close to stop.
func (cw *CatalogWatcher) Watch() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(cw.path), err)
	}
	cw.wg.Add(2)
	go cw.processEvents()
	go cw.processPending()
	return nil
}

func (cw *CatalogWatcher) processEvents() {
	defer cw.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			cw.log.Error().Interface("panic", r).Msg("catalog watcher stopped")
		}
	}()

	for {
		select {
		case <-cw.ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.mu.Lock()
				cw.pending = time.Now()
				cw.mu.Unlock()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (cw *CatalogWatcher) processPending() {
	defer cw.wg.Done()

	tick := cw.debounce / 3
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-cw.ctx.Done():
			return

		case <-ticker.C:
			cw.mu.Lock()
			fire := !cw.pending.IsZero() && time.Since(cw.pending) >= cw.debounce
			if fire {
				cw.pending = time.Time{}
			}
			cw.mu.Unlock()

			if fire && cw.onChange != nil {
				cw.log.Debug().Str("path", cw.path).Msg("catalog changed")
				cw.onChange()
			}
		}
	}
}

// Close stops the watcher and waits for its goroutines.
func (cw *CatalogWatcher) Close() error {
	cw.cancel()
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}
