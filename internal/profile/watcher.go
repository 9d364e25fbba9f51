package profile

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amelia-dev/amelia/internal/log"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the registry when its backing file changes. Editors
// rewrite files with bursts of events, so changes are debounced.
type Watcher struct {
	registry  *Registry
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// Watch starts watching the registry's file for changes. It is a no-op
// (returning nil) for registries without a backing file.
func Watch(registry *Registry) (*Watcher, error) {
	if registry.path == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory: the file itself may be replaced by rename.
	if err := fsw.Add(filepath.Dir(registry.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching profiles directory: %w", err)
	}

	w := &Watcher{
		registry:  registry,
		fsWatcher: fsw,
		done:      make(chan struct{}),
	}
	log.SafeGo("profile-watcher", w.loop)
	return w, nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	timerC := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C
	}

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}

		case <-timerC():
			timer = nil
			if err := w.registry.Reload(); err != nil {
				log.ErrorErr(log.CatProfile, "profile reload failed, keeping previous profiles", err)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatProfile, "profile watcher error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.registry.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
