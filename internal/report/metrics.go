package report

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics are boring counters only. Every counter can be explained by
// looking at the cycle results and the daemon log.
type Metrics struct {
	// Supervisor lifecycle
	CyclesStarted atomic.Uint64 // Incremented each time the loop enters Searching
	CyclesFailed  atomic.Uint64 // Cycles that ended in ErrorBackoff
	Backoffs      atomic.Uint64

	// Discovery
	Searches          atomic.Uint64 // Process table enumerations
	EnumerationErrors atomic.Uint64
	TargetsFound      atomic.Uint64
	TargetExits       atomic.Uint64 // Target disappeared while tailing

	// Injection
	InjectionsOK atomic.Uint64

	// Tailing
	LinesForwarded atomic.Uint64
	Truncations    atomic.Uint64
	SinkErrors     atomic.Uint64
	LinesDropped   atomic.Uint64 // Oversize lines discarded by the tailer

	mu             sync.Mutex
	injectFailures map[string]uint64 // by failure kind
}

// NewMetrics creates an empty counter set
func NewMetrics() *Metrics {
	return &Metrics{injectFailures: make(map[string]uint64)}
}

// RecordCycle updates counters from a single finished cycle.
func (m *Metrics) RecordCycle(r *CycleResult) {
	if m == nil || r == nil {
		return
	}
	if r.Failed() {
		m.CyclesFailed.Add(1)
	}
}

// IncrInjectFailure counts a failed injection attempt by kind
func (m *Metrics) IncrInjectFailure(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.injectFailures[kind]++
	m.mu.Unlock()
}

// InjectFailures returns failure counts by kind
func (m *Metrics) InjectFailures() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.injectFailures))
	for k, v := range m.injectFailures {
		out[k] = v
	}
	return out
}

// The Incr helpers are nil-safe so optional metrics can be passed around as nil.

func (m *Metrics) IncrCyclesStarted() {
	if m != nil {
		m.CyclesStarted.Add(1)
	}
}

func (m *Metrics) IncrBackoffs() {
	if m != nil {
		m.Backoffs.Add(1)
	}
}

func (m *Metrics) IncrSearches() {
	if m != nil {
		m.Searches.Add(1)
	}
}

func (m *Metrics) IncrEnumerationErrors() {
	if m != nil {
		m.EnumerationErrors.Add(1)
	}
}

func (m *Metrics) IncrTargetsFound() {
	if m != nil {
		m.TargetsFound.Add(1)
	}
}

func (m *Metrics) IncrTargetExits() {
	if m != nil {
		m.TargetExits.Add(1)
	}
}

func (m *Metrics) IncrInjectionsOK() {
	if m != nil {
		m.InjectionsOK.Add(1)
	}
}

func (m *Metrics) IncrLinesForwarded() {
	if m != nil {
		m.LinesForwarded.Add(1)
	}
}

func (m *Metrics) IncrTruncations() {
	if m != nil {
		m.Truncations.Add(1)
	}
}

func (m *Metrics) IncrLinesDropped() {
	if m != nil {
		m.LinesDropped.Add(1)
	}
}

func (m *Metrics) IncrSinkErrors() {
	if m != nil {
		m.SinkErrors.Add(1)
	}
}

// Snapshot returns current counter values
func (m *Metrics) Snapshot() map[string]uint64 {
	snap := map[string]uint64{
		"cycles_started":     m.CyclesStarted.Load(),
		"cycles_failed":      m.CyclesFailed.Load(),
		"backoffs":           m.Backoffs.Load(),
		"searches":           m.Searches.Load(),
		"enumeration_errors": m.EnumerationErrors.Load(),
		"targets_found":      m.TargetsFound.Load(),
		"target_exits":       m.TargetExits.Load(),
		"injections_ok":      m.InjectionsOK.Load(),
		"lines_forwarded":    m.LinesForwarded.Load(),
		"truncations":        m.Truncations.Load(),
		"sink_errors":        m.SinkErrors.Load(),
		"lines_dropped":      m.LinesDropped.Load(),
	}
	for kind, n := range m.InjectFailures() {
		snap["inject_failed_"+kind] = n
	}
	return snap
}

// SortedKeys returns snapshot keys in stable order for display
func SortedKeys(snap map[string]uint64) []string {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
