// Package metrics exposes daemon counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buttond"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Triggers       *prometheus.CounterVec
	OutputChanges  *prometheus.CounterVec
	OutputErrors   *prometheus.CounterVec
	DeferredRuns   prometheus.Counter
	DeferredFailed prometheus.Counter
	DeferredTime   prometheus.Histogram
	LinesAcquired  prometheus.Gauge
}

// New creates and registers all collectors. Go runtime and process
// collectors are included when runtime is true.
func New(runtime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Input notifications delivered, by input line.",
		}, []string{"trigger"}),
		OutputChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_changes_total",
			Help:      "Output level changes made by trigger rules, by output line.",
		}, []string{"line"}),
		OutputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_errors_total",
			Help:      "Failed output writes, by output line.",
		}, []string{"line"}),
		DeferredRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_runs_total",
			Help:      "Completed deferred task executions.",
		}),
		DeferredFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_failures_total",
			Help:      "Deferred task executions that returned an error.",
		}),
		DeferredTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deferred_duration_seconds",
			Help:      "Duration of deferred task executions.",
			Buckets:   []float64{.001, .01, .1, .25, .5, 1, 2.5, 5},
		}),
		LinesAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lines_acquired",
			Help:      "Lines currently held.",
		}),
	}
	m.reg.MustRegister(
		m.Triggers, m.OutputChanges, m.OutputErrors,
		m.DeferredRuns, m.DeferredFailed,
		m.DeferredTime, m.LinesAcquired,
	)
	if runtime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// ObserveDeferred records one finished deferred execution.
func (m *Metrics) ObserveDeferred(took time.Duration, err error) {
	m.DeferredRuns.Inc()
	if err != nil {
		m.DeferredFailed.Inc()
	}
	m.DeferredTime.Observe(took.Seconds())
}

// WatchCoalesced exports coalesced, read at scrape time, as
// buttond_deferred_coalesced_total. Call it once.
func (m *Metrics) WatchCoalesced(coalesced func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deferred_coalesced_total",
		Help:      "Enqueue requests dropped because the task was already queued or running.",
	}, func() float64 { return float64(coalesced()) }))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
