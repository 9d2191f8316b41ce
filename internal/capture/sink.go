package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Record is one forwarded log line. The line is the raw text the payload
// wrote, without its newline; it is never parsed.
type Record struct {
	AttachID   string    `json:"attach_id"`
	PID        int32     `json:"pid"`
	Process    string    `json:"process"`
	Line       string    `json:"line"`
	CapturedAt time.Time `json:"captured_at"`
}

// Sink receives forwarded lines
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// ConsoleSink prints each line as "Captured Query: <line>"
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a console sink. A nil writer means stdout.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

// Write prints the line
func (c *ConsoleSink) Write(_ context.Context, r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "Captured Query: %s\n", r.Line)
	return err
}

// Close is a no-op
func (c *ConsoleSink) Close() error {
	return nil
}

// MultiSink writes every record to all of its sinks
type MultiSink []Sink

// Write forwards r to every sink, even after one fails
func (m MultiSink) Write(ctx context.Context, r Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, r))
	}
	return err
}

// Close closes every sink
func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
