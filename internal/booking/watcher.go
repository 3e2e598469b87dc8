// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package booking

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	plog "github.com/ManuGH/panorec/internal/log"
)

// Watcher turns filesystem events on the booking cache file into tick hints
// for the supervisor. It is an optimization only: the poll loop remains the
// correctness backbone, so watcher errors degrade to poll-only behavior.
type Watcher struct {
	// C receives a hint whenever the cache file changes. The channel is
	// buffered and sends are non-blocking, so bursts coalesce.
	C chan struct{}

	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory containing the cache file at path. The
// directory must exist; the file itself may not yet.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		C:       make(chan struct{}, 1),
		path:    path,
		watcher: fw,
	}, nil
}

// Run forwards cache-file events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	logger := plog.WithComponentFromContext(ctx, "booking.watcher")
	targetName := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.C <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
