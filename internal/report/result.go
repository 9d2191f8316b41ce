package report

import (
	"time"

	"go.uber.org/zap"
)

// CycleResult is the immutable record of one supervisor cycle
// (Searching through Tailing or ErrorBackoff). Set once, never change.
type CycleResult struct {
	AttachID string `json:"attach_id"`
	Cycle    uint64 `json:"cycle"`
	Target   string `json:"target"`
	PID      int32  `json:"pid,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	// Phase the cycle was in when it ended
	Phase string `json:"phase"`
	// Kind classifies the error (empty for a clean stop)
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
	Lines uint64 `json:"lines"`
}

// NewCycleResult creates an immutable result
func NewCycleResult(attachID string, cycle uint64, target string, pid int32, start, end time.Time, phase, kind string, err error, lines uint64) *CycleResult {
	r := &CycleResult{
		AttachID:  attachID,
		Cycle:     cycle,
		Target:    target,
		PID:       pid,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Phase:     phase,
		Kind:      kind,
		Lines:     lines,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Failed reports whether the cycle ended in an error
func (r *CycleResult) Failed() bool {
	return r.Error != ""
}

// LogSummary emits the one-line cycle summary that gets grepped for
func (r *CycleResult) LogSummary(logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("attach_id", r.AttachID),
		zap.Uint64("cycle", r.Cycle),
		zap.String("target", r.Target),
		zap.Int32("pid", r.PID),
		zap.String("phase", r.Phase),
		zap.Duration("runtime", r.Duration),
		zap.Uint64("lines", r.Lines),
	}
	if r.Failed() {
		logger.Warn("cycle failed", append(fields, zap.String("kind", r.Kind), zap.String("error", r.Error))...)
		return
	}
	logger.Info("cycle ended", fields...)
}
