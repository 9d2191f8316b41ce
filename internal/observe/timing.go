package observe

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timing records start/end timestamps only
type Timing struct {
	clock       clock.Clock
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming creates timing with the current start time
func NewTiming(c clock.Clock) *Timing {
	return &Timing{
		clock:     c,
		StartedAt: c.Now(),
	}
}

// Complete records completion time
func (t *Timing) Complete() {
	t.CompletedAt = t.clock.Now()
}

// Duration returns the observed duration, running if not yet complete
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return t.clock.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
