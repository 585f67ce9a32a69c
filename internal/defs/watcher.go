package defs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watch re-runs Load whenever a catalog file changes, debouncing bursts
// of write events. It watches the directory rather than the files so
// atomic replace-by-rename saves are picked up. Blocks until ctx ends.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.Dir); err != nil {
		return fmt.Errorf("watch %q: %w", l.Dir, err)
	}
	l.log().Info("watching definition catalog", "dir", l.Dir)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if name != workflowsFile && name != rulesFile {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := l.Load(); err != nil {
					l.log().Error("definition reload failed", "error", err)
					return
				}
				l.log().Info("definitions reloaded", "trigger", name)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log().Warn("definition watcher error", "error", err)
		}
	}
}
