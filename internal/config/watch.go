package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce lets editors finish writing before the document is read.
const reloadDebounce = 200 * time.Millisecond

// Watch hot-reloads the document whenever it changes on disk. It blocks
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("memory store has no document to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}
	s.logger.Debug("Watching configuration", "path", s.path)

	name := filepath.Base(s.path)
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case <-timer.C:
			s.logger.Info("Configuration file changed", "path", s.path)
			if err := s.reloadFromWatch(); err != nil {
				s.logger.Warn("Reload after file change failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// reloadFromWatch is Reload with the event reason set for file changes.
func (s *Store) reloadFromWatch() error {
	loaded, err := s.load()
	if err != nil {
		// Edits in progress or broken documents keep the running config.
		return err
	}

	s.mu.Lock()
	old := s.current
	if old.Equal(loaded) {
		s.mu.Unlock()
		return nil
	}
	if old != nil && loaded.Version <= old.Version {
		loaded.Version = old.Version + 1
	}
	s.current = loaded
	s.mu.Unlock()

	s.publish(ChangeEvent{
		Old:       old.Clone(),
		New:       loaded.Clone(),
		Reason:    "file-changed",
		Timestamp: time.Now(),
	})
	return nil
}
