package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

type ReloadFunc func(ctx context.Context) error

// Watcher reloads the catalog when its file changes. Bursts of events are
// debounced, and reloads triggered while one is running share its result.
type Watcher struct {
	path     string
	debounce time.Duration
	reload   ReloadFunc
	onError  func(error)
	group    singleflight.Group
}

func NewWatcher(path string, debounce time.Duration, reload ReloadFunc) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		onError:  func(error) {},
	}
}

// SetErrorHandler receives reload and watch failures from Run.
func (w *Watcher) SetErrorHandler(fn func(error)) {
	w.onError = fn
}

// Trigger reloads now, joining a reload already in flight.
func (w *Watcher) Trigger(ctx context.Context) error {
	_, err, _ := w.group.Do(w.path, func() (any, error) {
		return nil, w.reload(ctx)
	})
	return err
}

// Run watches the catalog's directory until ctx is done. The directory is
// watched rather than the file so editors that replace the file by rename
// keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Trigger(ctx); err != nil {
				w.onError(err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("fsnotify: %w", err))
		}
	}
}
