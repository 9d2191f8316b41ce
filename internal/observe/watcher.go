package observe

// Observation only. The target is never signalled, suspended or waited on
// through a handle; we look at the process table and nothing else.

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Liveness reports whether a PID is still in the process table
type Liveness interface {
	Exists(ctx context.Context, pid int32) (bool, error)
}

// Watcher observes one PID lifecycle. Nothing else.
type Watcher struct {
	pid      int32
	live     Liveness
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	timing   *Timing
}

// New creates a watcher for pid that polls live every interval
func New(pid int32, live Liveness, c clock.Clock, interval time.Duration, logger *zap.Logger) *Watcher {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		pid:      pid,
		live:     live,
		clock:    c,
		interval: interval,
		logger:   logger,
		timing:   NewTiming(c),
	}
}

// Wait blocks until the PID is gone (nil) or ctx ends (ctx.Err()).
// A failed lookup is not an exit.
func (w *Watcher) Wait(ctx context.Context) error {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			alive, err := w.live.Exists(ctx, w.pid)
			if err != nil {
				w.logger.Debug("liveness check failed", zap.Int32("pid", w.pid), zap.Error(err))
				continue
			}
			if !alive {
				w.timing.Complete()
				return nil
			}
		}
	}
}

// Duration returns how long the PID has been observed
func (w *Watcher) Duration() time.Duration {
	return w.timing.Duration()
}
