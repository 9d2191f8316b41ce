package discover

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hkcontrol/querytap/internal/logging"
	"github.com/hkcontrol/querytap/internal/report"
)

// DefaultInterval is the wait between process table enumerations
const DefaultInterval = 5 * time.Second

// Locator finds a running process by exact name
type Locator struct {
	table    Table
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	metrics  *report.Metrics

	// progress throttles the "still waiting" line
	progress rate.Sometimes
}

// Option configures a Locator
type Option func(*Locator)

// WithClock sets the clock used for waiting between polls
func WithClock(c clock.Clock) Option {
	return func(l *Locator) { l.clock = c }
}

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(l *Locator) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locator) { l.logger = logging.Component(logger, "locator") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *report.Metrics) Option {
	return func(l *Locator) { l.metrics = m }
}

// NewLocator creates a locator over table
func NewLocator(table Table, opts ...Option) *Locator {
	l := &Locator{
		table:    table,
		clock:    clock.New(),
		interval: DefaultInterval,
		logger:   logging.Component(nil, "locator"),
		progress: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Find blocks until a process named exactly name is running and returns the
// first match in enumeration order. Enumeration failures are logged and
// treated like "not found". Only ctx cancellation ends the wait.
func (l *Locator) Find(ctx context.Context, name string) (Process, error) {
	for {
		p, err := l.Lookup(ctx, name)
		switch {
		case err == nil:
			l.metrics.IncrTargetsFound()
			l.logger.Info("found process", zap.String("name", p.Name), zap.Int32("pid", p.PID))
			return p, nil
		case IsEnumeration(err):
			l.metrics.IncrEnumerationErrors()
			l.logger.Warn("process table enumeration failed", zap.Error(err))
		default:
			l.progress.Do(func() {
				l.logger.Info("waiting for process", zap.String("name", name), zap.Duration("interval", l.interval))
			})
		}

		if err := ctx.Err(); err != nil {
			return Process{}, err
		}
		if err := l.wait(ctx); err != nil {
			return Process{}, err
		}
	}
}

// Lookup performs a single enumeration pass
func (l *Locator) Lookup(ctx context.Context, name string) (Process, error) {
	l.metrics.IncrSearches()
	procs, err := l.table.Snapshot(ctx)
	if err != nil {
		return Process{}, err
	}
	for _, p := range procs {
		if p.Name == name {
			return p, nil
		}
	}
	return Process{}, ErrProcessNotFound
}

// List returns every exact match in enumeration order
func (l *Locator) List(ctx context.Context, name string) ([]Process, error) {
	procs, err := l.table.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []Process
	for _, p := range procs {
		if name == "" || p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *Locator) wait(ctx context.Context) error {
	timer := l.clock.Timer(l.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
