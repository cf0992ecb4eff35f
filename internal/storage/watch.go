package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Verify *FS satisfies Watcher at compile time.
var _ Watcher = (*FS)(nil)

// Watch starts an fsnotify watcher on the state directory and reports slot
// changes until ctx is cancelled. Temp files from in-progress writes are
// skipped; an atomic Put shows up as a Create on the final name.
//
// Changes made by this process are reported too. Callers compare the slot
// value with what they hold to tell their own writes apart.
func (f *FS) Watch(ctx context.Context, logger *slog.Logger, cb ChangeFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(f.root); err != nil {
		return err
	}

	logger.Info("storage watcher: started", slog.String("root", f.root))

	for {
		select {
		case <-ctx.Done():
			logger.Info("storage watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			key := filepath.Base(ev.Name)
			if strings.HasPrefix(key, ".") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("storage watcher: slot changed",
				slog.String("key", key),
				slog.String("op", ev.Op.String()))
			if cb != nil {
				cb(key)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("storage watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
