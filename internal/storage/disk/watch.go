package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchPollInterval paces the fallback used where filesystem events are not
// reliable.
const watchPollInterval = time.Second

// Watch signals changes to the ledger or the working flags. Notifications
// are coalesced: a burst of writes produces at least one signal. The channel
// is closed when ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	logger := s.loggers(ctx)
	if isNFS(s.root) {
		logger.Debug("disk.watch.polling", "root", s.root, "reason", "filesystem_not_supported")
		return s.poll(ctx), nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	for _, dir := range []string{s.root, s.workingDir} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
		}
	}
	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Reset recreates the working directory, which drops its watch.
				if ev.Has(fsnotify.Create) && filepath.Clean(ev.Name) == s.workingDir {
					if err := watcher.Add(s.workingDir); err != nil {
						logger.Debug("disk.watch.rearm_error", "error", err)
					}
				}
				signal(events)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug("disk.watch.error", "error", err)
				signal(events)
			}
		}
	}()
	return events, nil
}

func (s *Store) poll(ctx context.Context) <-chan struct{} {
	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				signal(events)
			}
		}
	}()
	return events
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
