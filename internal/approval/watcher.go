package approval

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the approval file into the gate whenever it changes
// on disk, so `atmosphere approve` edits take effect without a
// restart. A broken edit is logged and the previous policy stays
// active.
//
// The watch is on the directory, not the file: editors that rename a
// temp file over the original would otherwise drop the watch.
func Watch(ctx context.Context, path string, gate *Gate, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "approval-watch")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// editors fire bursts of events; settle before reload
				pending = time.After(200 * time.Millisecond)
			case <-pending:
				pending = nil
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn("approval reload failed, keeping previous policy", "err", err)
					continue
				}
				if err := gate.Update(cfg); err != nil {
					logger.Warn("approval reload rejected, keeping previous policy", "err", err)
					continue
				}
				logger.Info("approval config reloaded", "path", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("approval watch error", "err", err)
			}
		}
	}()
	return nil
}
