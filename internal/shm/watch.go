package shm

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch installs an early-wakeup hint on the runtime directory: a write to
// any flag cell fires callback(name) as soon as the filesystem notices it,
// ahead of whatever poll interval a caller might otherwise use between
// IsFlagged checks. It is purely an optimization — IsFlagged remains the
// source of truth, so a missed or coalesced fsnotify event changes nothing
// but latency.
func (d *Dir) Watch(callback func(name string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					callback(filepath.Base(event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("shm: watch error", "dir", d.path, "err", err)
			}
		}
	}()
	return watcher, nil
}
