package report

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Phases exported by the phase gauge, in display order
var Phases = []string{"searching", "injecting", "tailing", "error_backoff"}

// Exporter exposes Metrics as Prometheus counters plus the current
// supervisor phase as a gauge.
type Exporter struct {
	metrics *Metrics
	phase   func() string

	counter        *prometheus.Desc
	injectFailures *prometheus.Desc
	phaseGauge     *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates a collector. phase may be nil when no supervisor runs.
func NewExporter(m *Metrics, phase func() string) *Exporter {
	return &Exporter{
		metrics: m,
		phase:   phase,
		counter: prometheus.NewDesc("querytap_events_total",
			"Supervisor events by name", []string{"event"}, nil),
		injectFailures: prometheus.NewDesc("querytap_inject_failures_total",
			"Failed injection attempts by failure kind", []string{"kind"}, nil),
		phaseGauge: prometheus.NewDesc("querytap_phase",
			"Current supervisor phase (1 for the active phase)", []string{"phase"}, nil),
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.counter
	ch <- e.injectFailures
	ch <- e.phaseGauge
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.metrics.Snapshot()
	for _, key := range SortedKeys(snap) {
		if strings.HasPrefix(key, "inject_failed_") {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.counter, prometheus.CounterValue, float64(snap[key]), key)
	}

	for kind, n := range e.metrics.InjectFailures() {
		ch <- prometheus.MustNewConstMetric(e.injectFailures, prometheus.CounterValue, float64(n), kind)
	}

	if e.phase == nil {
		return
	}
	current := e.phase()
	for _, p := range Phases {
		v := 0.0
		if p == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(e.phaseGauge, prometheus.GaugeValue, v, p)
	}
}
