package tail

import (
	"context"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// waker blocks between polls. The poll interval is the source of truth;
// filesystem events only shorten a wait.
type waker struct {
	clock   clock.Clock
	watcher *fsnotify.Watcher
	name    string
	events  <-chan fsnotify.Event
	errors  <-chan error
}

// newWaker watches the directory of path when notify is set. A watcher that
// cannot be started is logged and ignored.
func newWaker(c clock.Clock, path string, notify bool, logger *zap.Logger) *waker {
	w := &waker{clock: c, name: filepath.Clean(path)}
	if !notify {
		return w
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("fsnotify unavailable, polling only", zap.Error(err))
		return w
	}
	dir := filepath.Dir(w.name)
	if err := watcher.Add(dir); err != nil {
		logger.Debug("cannot watch log directory, polling only", zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		return w
	}

	w.watcher = watcher
	w.events = watcher.Events
	w.errors = watcher.Errors
	return w
}

// wait returns after d, on a relevant create/write event, or with ctx.Err()
func (w *waker) wait(ctx context.Context, d time.Duration) error {
	timer := w.clock.Timer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case _, ok := <-w.errors:
			if !ok {
				w.errors = nil
			}
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				continue
			}
			if filepath.Clean(ev.Name) != w.name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				return nil
			}
		}
	}
}

func (w *waker) close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
