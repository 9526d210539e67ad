package targets

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange once per saved change of the file at path until ctx is done.
//
// The parent directory is watched so that editors which save by renaming a new
// file over the old one are seen. Events are debounced by WatchDebounce. Calls to
// onChange never overlap; a change that arrives while onChange runs schedules
// exactly one more call.
func (s *Store) Watch(ctx context.Context, path string, onChange func(context.Context) error) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	pending := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				if err := onChange(ctx); err != nil {
					s.logger.WithError(err).Error("Change handler failed")
				}
			}
		}
	}()

	s.logger.WithField("path", target).Info("Watching target list")
	s.processEvents(ctx, watcher, target, pending)
	<-done
	return nil
}

// processEvents debounces relevant events into pending until ctx is done.
func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, target string, pending chan<- struct{}) {
	delay := s.WatchDebounce
	if delay <= 0 {
		delay = DefaultWatchDebounce
	}

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			s.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Target list changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(delay, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("Watcher error")
		}
	}
}
