package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hkcontrol/querytap/internal/capture"
	"github.com/hkcontrol/querytap/internal/discover"
	"github.com/hkcontrol/querytap/internal/inject"
	"github.com/hkcontrol/querytap/internal/logging"
	"github.com/hkcontrol/querytap/internal/observe"
	"github.com/hkcontrol/querytap/internal/report"
	"github.com/hkcontrol/querytap/internal/tail"
	"github.com/hkcontrol/querytap/internal/tracing"
)

const (
	// DefaultBackoff is the fixed wait before restarting from Searching
	DefaultBackoff = 5 * time.Second
	// DefaultLivenessInterval is how often the target is checked while tailing
	DefaultLivenessInterval = 5 * time.Second
)

var (
	// ErrTargetExited ends a tail when the injected process is gone
	ErrTargetExited = errors.New("target process exited")
	// ErrTailEnded is reported when a line source stops without an error
	ErrTailEnded = errors.New("log tail ended")
)

// Locator finds the target process
type Locator interface {
	Find(ctx context.Context, name string) (discover.Process, error)
}

// Injector loads the payload into a process
type Injector interface {
	Inject(ctx context.Context, req inject.Request) error
}

// LineSource produces the lines appended to a log file
type LineSource interface {
	Follow(ctx context.Context) iter.Seq2[string, error]
}

// FollowFunc creates a fresh LineSource for each cycle
type FollowFunc func(path string) LineSource

// Liveness reports whether a process still exists
type Liveness = observe.Liveness

// Config controls one supervisor
type Config struct {
	TargetName  string
	PayloadPath string
	LogPath     string

	// TailOnInjectFailure tails the log even when injection failed
	TailOnInjectFailure bool

	// WatchTarget ends the tail when the target process exits
	WatchTarget      bool
	LivenessInterval time.Duration
}

// Deps are the collaborators of a Loop. Liveness is only needed with WatchTarget.
type Deps struct {
	Locator  Locator
	Injector Injector
	Follow   FollowFunc
	Liveness Liveness
	Sink     capture.Sink
}

// State is a snapshot of the loop. Everything but PreviousError is reset
// when a cycle starts; PreviousError is reporting only and never read back
// by the loop.
type State struct {
	Phase         Phase     `json:"phase"`
	Cycle         uint64    `json:"cycle"`
	PID           int32     `json:"pid,omitempty"`
	AttachID      string    `json:"attach_id,omitempty"`
	Error         string    `json:"error,omitempty"`          // failure of this cycle, set in error_backoff
	PreviousError string    `json:"previous_error,omitempty"` // failure of the cycle before
	Since         time.Time `json:"since"`
}

// Loop runs Searching → Injecting → Tailing forever, restarting from
// Searching after a backoff whenever a cycle fails.
type Loop struct {
	cfg      Config
	deps     Deps
	clock    clock.Clock
	backoff  backoff.BackOff
	logger   *zap.Logger
	metrics  *report.Metrics
	failures *report.FailureLog
	newID    func() string
	tracer   trace.Tracer

	sinkErrLog rate.Sometimes

	mu    sync.RWMutex
	state State
}

// Option configures a Loop
type Option func(*Loop)

// WithClock sets the clock used for backoff and liveness waits
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithBackOff sets the restart backoff policy
func WithBackOff(b backoff.BackOff) Option {
	return func(l *Loop) { l.backoff = b }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logging.Component(logger, "supervisor") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *report.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithFailureLog records failed cycles for the status endpoint
func WithFailureLog(f *report.FailureLog) Option {
	return func(l *Loop) { l.failures = f }
}

// WithTracer sets the tracer used for cycle spans
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithIDGenerator overrides the attach ID generator
func WithIDGenerator(fn func() string) Option {
	return func(l *Loop) { l.newID = fn }
}

// NewBackOff returns a fixed backoff when max is not above initial and an
// exponential one capped at max otherwise. It never stops.
func NewBackOff(initial, max time.Duration) backoff.BackOff {
	if initial <= 0 {
		initial = DefaultBackoff
	}
	if max <= initial {
		return backoff.NewConstantBackOff(initial)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// New creates a supervisor loop
func New(cfg Config, deps Deps, opts ...Option) *Loop {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if deps.Sink == nil {
		deps.Sink = capture.NewConsoleSink(nil)
	}
	l := &Loop{
		cfg:        cfg,
		deps:       deps,
		clock:      clock.New(),
		backoff:    backoff.NewConstantBackOff(DefaultBackoff),
		logger:     logging.Component(nil, "supervisor"),
		newID:      uuid.NewString,
		tracer:     noop.NewTracerProvider().Tracer("querytap"),
		sinkErrLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.state = State{Phase: PhaseSearching, Since: l.clock.Now()}
	return l
}

// State returns a snapshot of the loop state
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Phase returns the current phase name
func (l *Loop) Phase() string {
	return string(l.State().Phase)
}

func (l *Loop) transition(to Phase, update func(*State)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ValidateTransition(l.state.Phase, to); err != nil {
		l.logger.DPanic("phase transition rejected", zap.Error(err))
	}
	l.state.Phase = to
	l.state.Since = l.clock.Now()
	if update != nil {
		update(&l.state)
	}
}

// Run drives the loop until ctx is cancelled. No cycle failure is fatal;
// the only return value is ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("supervisor started",
		zap.String("target", l.cfg.TargetName),
		zap.String("payload", l.cfg.PayloadPath),
		zap.String("log", l.cfg.LogPath),
		zap.Bool("tail_on_inject_failure", l.cfg.TailOnInjectFailure),
		zap.Bool("watch_target", l.cfg.WatchTarget))

	var cycle uint64
	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("supervisor stopped", zap.Uint64("cycles", cycle))
			return err
		}

		cycle++
		attachID := l.newID()
		l.transition(PhaseSearching, func(s *State) {
			*s = State{Phase: PhaseSearching, Cycle: cycle, AttachID: attachID, PreviousError: s.Error, Since: s.Since}
		})
		l.metrics.IncrCyclesStarted()

		timing := observe.NewTiming(l.clock)
		out := l.runCycle(ctx, cycle, attachID)
		if ctx.Err() != nil {
			continue
		}
		timing.Complete()

		result := report.NewCycleResult(attachID, cycle, l.cfg.TargetName, out.pid,
			timing.StartedAt, timing.CompletedAt, string(out.phase), failureKind(out.err), out.err, out.lines)
		result.LogSummary(l.logger)
		l.metrics.RecordCycle(result)
		l.failures.Record(result)

		l.backoffWait(ctx, out.err)
	}
}

type cycleOutcome struct {
	phase Phase
	pid   int32
	lines uint64
	err   error
}

// runCycle is the catch-all boundary around one Searching → Tailing pass.
// A panic is recovered and reported as a failure of this cycle.
func (l *Loop) runCycle(ctx context.Context, cycle uint64, attachID string) (out cycleOutcome) {
	ctx, span := l.tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("attach_id", attachID),
		attribute.Int64("cycle", int64(cycle)),
		attribute.String("target", l.cfg.TargetName)))
	defer func() {
		span.SetAttributes(attribute.String("phase", string(out.phase)), attribute.Int64("lines", int64(out.lines)))
		tracing.End(span, out.err)
	}()

	out.phase = PhaseSearching
	defer func() {
		if r := recover(); r != nil {
			out.err = &PanicError{Value: r}
		}
	}()

	findCtx, findSpan := l.tracer.Start(ctx, "find")
	proc, err := l.deps.Locator.Find(findCtx, l.cfg.TargetName)
	tracing.End(findSpan, err)
	if err != nil {
		out.err = fmt.Errorf("find %s: %w", l.cfg.TargetName, err)
		return out
	}
	out.pid = proc.PID

	out.phase = PhaseInjecting
	l.transition(PhaseInjecting, func(s *State) { s.PID = proc.PID })
	logger := l.logger.With(zap.String("attach_id", attachID), zap.Int32("pid", proc.PID))

	if err := l.inject(ctx, proc.PID); err != nil {
		if ctx.Err() != nil || !l.cfg.TailOnInjectFailure {
			out.err = err
			return out
		}
		logger.Warn("injection failed, tailing anyway", zap.Error(err))
	}

	out.phase = PhaseTailing
	l.transition(PhaseTailing, nil)
	l.backoff.Reset()

	out.lines, out.err = l.tail(ctx, logger, capture.Record{AttachID: attachID, PID: proc.PID, Process: proc.Name})
	return out
}

func (l *Loop) inject(ctx context.Context, pid int32) (err error) {
	ctx, span := l.tracer.Start(ctx, "inject", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer func() { tracing.End(span, err) }()

	req, err := inject.NewRequest(pid, l.cfg.PayloadPath)
	if err == nil {
		err = l.deps.Injector.Inject(ctx, req)
	}
	if err != nil {
		if ctx.Err() == nil {
			l.metrics.IncrInjectFailure(failureKind(err))
		}
		return err
	}
	l.metrics.IncrInjectionsOK()
	return nil
}

// tail forwards lines until the source fails, the target exits, or ctx ends
func (l *Loop) tail(ctx context.Context, logger *zap.Logger, base capture.Record) (lines uint64, err error) {
	ctx, span := l.tracer.Start(ctx, "tail", trace.WithAttributes(attribute.String("path", l.cfg.LogPath)))
	defer func() { tracing.End(span, err) }()

	tailCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	if l.cfg.WatchTarget && l.deps.Liveness != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.watchTarget(tailCtx, cancel, logger, base.PID)
		}()
	}

	logger.Info("tailing payload log", zap.String("path", l.cfg.LogPath))

	src := l.deps.Follow(l.cfg.LogPath)
	for line, err := range src.Follow(tailCtx) {
		if err != nil {
			return lines, fmt.Errorf("tail %s: %w", l.cfg.LogPath, err)
		}

		rec := base
		rec.Line = line
		rec.CapturedAt = l.clock.Now()
		if err := l.deps.Sink.Write(ctx, rec); err != nil {
			l.metrics.IncrSinkErrors()
			l.sinkErrLog.Do(func() {
				logger.Warn("failed to write captured line", zap.Error(err))
			})
		}
		lines++
		l.metrics.IncrLinesForwarded()
	}

	if cause := context.Cause(tailCtx); errors.Is(cause, ErrTargetExited) {
		return lines, ErrTargetExited
	}
	if err := ctx.Err(); err != nil {
		return lines, err
	}
	return lines, ErrTailEnded
}

// watchTarget cancels the tail once the pid is gone
func (l *Loop) watchTarget(ctx context.Context, cancel context.CancelCauseFunc, logger *zap.Logger, pid int32) {
	w := observe.New(pid, l.deps.Liveness, l.clock, l.cfg.LivenessInterval, logger)
	if err := w.Wait(ctx); err != nil {
		return
	}
	logger.Info("target process exited", zap.Duration("observed", w.Duration()))
	l.metrics.IncrTargetExits()
	cancel(ErrTargetExited)
}

// backoffWait returns after the next backoff interval or when ctx ends
func (l *Loop) backoffWait(ctx context.Context, cause error) {
	d := l.backoff.NextBackOff()
	if d == backoff.Stop {
		l.backoff.Reset()
		d = l.backoff.NextBackOff()
	}

	l.transition(PhaseErrorBackoff, func(s *State) {
		if cause != nil {
			s.Error = cause.Error()
		}
	})
	l.metrics.IncrBackoffs()
	l.logger.Info("restarting after backoff", zap.Duration("backoff", d))

	timer := l.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// PanicError wraps a value recovered from a cycle
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cycle panicked: %v", e.Value)
}

// failureKind classifies a cycle error for metrics and the failure log
func failureKind(err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, inject.ErrUnsupportedPlatform):
		return "unsupported_platform"
	case inject.KindOf(err) != "":
		return inject.KindOf(err)
	case errors.Is(err, inject.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTargetExited):
		return "target_exited"
	case errors.Is(err, tail.ErrTruncated):
		return "log_truncated"
	case errors.Is(err, ErrTailEnded):
		return "tail_ended"
	default:
		return "error"
	}
}
