package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hkcontrol/querytap/internal/logging"
	"github.com/hkcontrol/querytap/internal/report"
)

// DefaultInterval is the wait between file polls
const DefaultInterval = time.Second

// DefaultMaxLineBytes is the longest line forwarded; longer lines are dropped
const DefaultMaxLineBytes = 1 << 20

var (
	// ErrAlreadyStarted is yielded when Follow is called twice on one Tailer
	ErrAlreadyStarted = errors.New("tailer already started")
	// ErrTruncated is yielded under TruncateFail when the file shrinks or is replaced
	ErrTruncated = errors.New("log file truncated or replaced")
)

// TruncatePolicy decides what happens when the file shrinks below the cursor
type TruncatePolicy int

const (
	// TruncateRestart resets the cursor to 0 and keeps tailing
	TruncateRestart TruncatePolicy = iota
	// TruncateFail ends the sequence with ErrTruncated
	TruncateFail
)

// ParseTruncatePolicy parses "restart" or "fail"
func ParseTruncatePolicy(s string) (TruncatePolicy, error) {
	switch strings.ToLower(s) {
	case "", "restart":
		return TruncateRestart, nil
	case "fail":
		return TruncateFail, nil
	default:
		return TruncateRestart, fmt.Errorf("unknown truncate policy %q (want restart or fail)", s)
	}
}

func (p TruncatePolicy) String() string {
	if p == TruncateFail {
		return "fail"
	}
	return "restart"
}

// Cursor is the tail position. Offset only grows within a generation and
// always equals the number of bytes consumed from the file.
type Cursor struct {
	Path       string `json:"path"`
	Offset     int64  `json:"offset"`
	Generation int    `json:"generation"`
}

// Tailer follows lines appended to one file after attach time
type Tailer struct {
	path         string
	clock        clock.Clock
	interval     time.Duration
	truncate     TruncatePolicy
	notify       bool
	maxLineBytes int
	logger       *zap.Logger
	metrics      *report.Metrics

	started atomic.Bool

	mu     sync.Mutex
	cursor Cursor
}

// Option configures a Tailer
type Option func(*Tailer)

// WithClock sets the clock used between polls
func WithClock(c clock.Clock) Option {
	return func(t *Tailer) { t.clock = c }
}

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithTruncatePolicy sets the truncation policy
func WithTruncatePolicy(p TruncatePolicy) Option {
	return func(t *Tailer) { t.truncate = p }
}

// WithNotify enables fsnotify wake-ups in addition to polling
func WithNotify(enabled bool) Option {
	return func(t *Tailer) { t.notify = enabled }
}

// WithMaxLineBytes sets the longest line forwarded; longer lines are dropped
func WithMaxLineBytes(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.maxLineBytes = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Tailer) { t.logger = logging.Component(l, "tailer") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *report.Metrics) Option {
	return func(t *Tailer) { t.metrics = m }
}

// New creates a tailer for path. Nothing is opened until Follow runs.
func New(path string, opts ...Option) *Tailer {
	t := &Tailer{
		path:         path,
		clock:        clock.New(),
		interval:     DefaultInterval,
		maxLineBytes: DefaultMaxLineBytes,
		logger:       logging.Component(nil, "tailer"),
		cursor:       Cursor{Path: path},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cursor returns the current cursor
func (t *Tailer) Cursor() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

func (t *Tailer) setCursor(offset int64, generation int) {
	t.mu.Lock()
	t.cursor.Offset = offset
	t.cursor.Generation = generation
	t.mu.Unlock()
}

// Follow returns the lines appended after attach time. The sequence is lazy,
// infinite and can be ranged over once. A missing file is waited for; content
// present when the file is first opened is never emitted. Read failures are yielded once as
// an error and end the sequence. Cancelling ctx ends it without an error.
// The file is only ever opened for reading.
func (t *Tailer) Follow(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !t.started.CompareAndSwap(false, true) {
			yield("", ErrAlreadyStarted)
			return
		}

		w := newWaker(t.clock, t.path, t.notify, t.logger)
		defer w.close()

		f, err := t.open(ctx, w)
		if err != nil {
			if ctx.Err() == nil {
				yield("", err)
			}
			return
		}
		if err := t.follow(ctx, w, f, yield); err != nil && ctx.Err() == nil {
			yield("", err)
		}
	}
}

// open waits for the file to exist and places the cursor at its end,
// whether it existed at attach time or appeared later.
func (t *Tailer) open(ctx context.Context, w *waker) (*os.File, error) {
	waited := false
	for {
		f, err := os.Open(t.path)
		if err == nil {
			fi, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("stat %s: %w", t.path, err)
			}
			offset := fi.Size()
			t.setCursor(offset, 0)
			t.logger.Info("tailing log file", zap.String("path", t.path), zap.Int64("offset", offset))
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", t.path, err)
		}

		if !waited {
			t.logger.Info("log file not found, waiting", zap.String("path", t.path), zap.Duration("interval", t.interval))
			waited = true
		}
		if err := w.wait(ctx, t.interval); err != nil {
			return nil, err
		}
	}
}

func (t *Tailer) follow(ctx context.Context, w *waker, f *os.File, yield func(string, error) bool) error {
	defer func() { _ = f.Close() }()

	cur := t.Cursor()
	offset, generation := cur.Offset, cur.Generation

	buf := make([]byte, 32*1024)
	lines := lineBuffer{max: t.maxLineBytes}

	for {
		if err := w.wait(ctx, t.interval); err != nil {
			return nil
		}

		size, replaced, err := t.probe(f)
		if err != nil {
			return err
		}

		if size < offset || replaced {
			t.metrics.IncrTruncations()
			t.logger.Warn("log file truncated or replaced",
				zap.String("path", t.path),
				zap.Int64("offset", offset),
				zap.Int64("size", size),
				zap.Bool("replaced", replaced),
				zap.String("policy", t.truncate.String()))
			if t.truncate == TruncateFail {
				return ErrTruncated
			}
			if replaced {
				nf, err := os.Open(t.path)
				if err != nil {
					return fmt.Errorf("reopen %s: %w", t.path, err)
				}
				_ = f.Close()
				f = nf
			}
			offset, generation = 0, generation+1
			lines.reset()
			t.setCursor(offset, generation)
		}

		for offset < size {
			n, err := f.ReadAt(buf, offset)
			if n > 0 {
				offset += int64(n)
				t.setCursor(offset, generation)
				if !t.feed(&lines, buf[:n], yield) {
					return nil
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read %s at %d: %w", t.path, offset, err)
			}
		}
	}
}

// probe returns the current size of the open file and whether the path now
// points at a different file.
func (t *Tailer) probe(f *os.File) (int64, bool, error) {
	open, err := f.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("stat %s: %w", t.path, err)
	}
	onDisk, err := os.Stat(t.path)
	if err != nil {
		// Deleted but still open: keep reading what we have
		return open.Size(), false, nil
	}
	if !os.SameFile(open, onDisk) {
		return onDisk.Size(), true, nil
	}
	return open.Size(), false, nil
}

// lineBuffer holds the partial line between reads
type lineBuffer struct {
	max      int
	partial  []byte
	dropping bool // skipping the rest of an oversize line
}

func (b *lineBuffer) reset() {
	b.partial, b.dropping = nil, false
}

// feed yields every line completed by data and keeps the unterminated rest.
// Lines longer than max are dropped whole and counted. It returns false once
// yield asks to stop.
func (t *Tailer) feed(b *lineBuffer, data []byte, yield func(string, error) bool) bool {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		chunk := data[:i]
		data = data[i+1:]

		if b.dropping {
			b.dropping = false
			continue
		}
		if len(b.partial)+len(chunk) > b.max {
			t.dropLine(b.max)
			b.partial = nil
			continue
		}
		line := bytes.TrimSuffix(append(b.partial, chunk...), []byte{'\r'})
		b.partial = nil
		if !yield(string(line), nil) {
			return false
		}
	}

	if b.dropping || len(data) == 0 {
		return true
	}
	if len(b.partial)+len(data) > b.max {
		t.dropLine(b.max)
		b.partial, b.dropping = nil, true
		return true
	}
	// append copies, so the held-back rest never aliases the read buffer
	b.partial = append(b.partial, data...)
	return true
}

func (t *Tailer) dropLine(limit int) {
	t.metrics.IncrLinesDropped()
	t.logger.Warn("line exceeds limit, dropped", zap.String("path", t.path), zap.Int("limit", limit))
}
