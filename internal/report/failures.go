package report

import "sync"

// FailureLog keeps the last N failed cycles for the status endpoint.
// Root cause without log diving.
type FailureLog struct {
	samples []CycleResult
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &FailureLog{
		samples: make([]CycleResult, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a failed cycle (ring buffer). Clean cycles are ignored.
func (f *FailureLog) Record(r *CycleResult) {
	if f == nil || r == nil || !r.Failed() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, *r)
}

// Recent returns up to n failures, newest first
func (f *FailureLog) Recent(n int) []CycleResult {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	out := make([]CycleResult, n)
	for i := 0; i < n; i++ {
		out[i] = f.samples[len(f.samples)-1-i]
	}
	return out
}

// Count returns the number of buffered failures
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}
