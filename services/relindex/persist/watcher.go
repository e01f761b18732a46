// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SnapshotChange is a debounced change to one context's snapshot file.
type SnapshotChange struct {
	// ContextID is the context whose snapshot changed.
	ContextID string

	// Removed is true if the snapshot file no longer exists.
	Removed bool

	// Time is when the last underlying event was seen.
	Time time.Time
}

// SnapshotChangeHandler receives each debounced batch.
type SnapshotChangeHandler func(ctx context.Context, changes []SnapshotChange)

// WatcherOptions configures Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more events before flushing.
	// Default: 100ms
	DebounceWindow time.Duration

	// BufferSize is the event buffer length. Events beyond it are dropped.
	// Default: 1000
	BufferSize int

	// Logger for watch errors.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultWatcherOptions returns the defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		BufferSize:     1000,
	}
}

// Watcher reports snapshot files written or removed in a FileStore's
// directory, for example by another process saving the same contexts.
//
// # Debouncing
//
// A save is a temp-file write followed by a rename, so one save produces
// several events. Events are collected until the window passes with no new
// event, then delivered once per context, latest state winning.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	files    *FileStore
	watcher  *fsnotify.Watcher
	handler  SnapshotChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	changes  chan SnapshotChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher over files' directory. Call Start to begin.
func NewWatcher(files *FileStore, handler SnapshotChangeHandler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultWatcherOptions().DebounceWindow
	}
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultWatcherOptions().BufferSize
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		files:    files,
		watcher:  fw,
		handler:  handler,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "relindex.watcher")),
		changes:  make(chan SnapshotChange, size),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit on Stop or when ctx is done.
// A second Start is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.files.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.files.Dir(), err)
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Pending changes are flushed to the handler.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			contextID, ok := w.files.ContextForPath(event.Name)
			if !ok {
				continue
			}
			change := SnapshotChange{
				ContextID: contextID,
				Removed:   event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename),
				Time:      time.Now(),
			}
			select {
			case w.changes <- change:
			default:
				w.logger.Warn("snapshot change dropped, buffer full",
					slog.String("context_id", contextID))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []SnapshotChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			deduped := deduplicateChanges(batch)
			if w.handler != nil {
				w.handler(ctx, deduped)
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// deduplicateChanges keeps the latest change per context, in first-seen
// order.
func deduplicateChanges(changes []SnapshotChange) []SnapshotChange {
	seen := make(map[string]int, len(changes))
	result := make([]SnapshotChange, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.ContextID]; ok {
			result[i] = c
			continue
		}
		seen[c.ContextID] = len(result)
		result = append(result, c)
	}
	return result
}
