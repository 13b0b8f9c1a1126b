package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vigilsh/vigil/internal/arousal"
)

const namespace = "vigil"

// SampleWriter matches the telemetry writer contract so store writes
// can be counted without the store knowing about the exporter.
type SampleWriter interface {
	Put(ctx context.Context, name string, ts time.Time, value float64) error
}

// Exporter owns the Prometheus registry and every collector the daemon
// exposes. It implements arousal.Handler and arousal.Notifier, so one
// subscription keeps the level gauges and transition counters current.
type Exporter struct {
	registry *prometheus.Registry

	arousalLevel     prometheus.Gauge
	arousalLevelInfo *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	forecasts        prometheus.Counter
	analysisDuration prometheus.Histogram
	samplesWritten   prometheus.Counter
	cleanupRemoved   prometheus.Counter
}

// New creates an exporter with all collectors registered on a private
// registry.
func New() *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}

	e.arousalLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "arousal_level",
		Help:      "Current arousal level ordinal (0=DORMANT .. 4=FULLY_AWAKE)",
	})

	e.arousalLevelInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "arousal_level_info",
		Help:      "One-hot arousal level by name",
	}, []string{"level"})

	e.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Committed arousal transitions",
	}, []string{"from", "to"})

	e.anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_detected_total",
		Help:      "Metric series anomaly findings",
	}, []string{"metric"})

	e.forecasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forecasts_total",
		Help:      "Ensemble forecasts produced",
	})

	e.analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "Time spent in analyzer passes",
		Buckets:   prometheus.DefBuckets,
	})

	e.samplesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_samples_written_total",
		Help:      "Metric samples written to the store",
	})

	e.cleanupRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_cleanup_removed_total",
		Help:      "Samples removed by retention cleanup",
	})

	e.registry.MustRegister(
		e.arousalLevel,
		e.arousalLevelInfo,
		e.transitions,
		e.anomalies,
		e.forecasts,
		e.analysisDuration,
		e.samplesWritten,
		e.cleanupRemoved,
	)

	e.SetLevel(arousal.Dormant)
	return e
}

// Registry exposes the private registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the scrape endpoint handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SetLevel updates the level gauge and the one-hot name vector.
func (e *Exporter) SetLevel(level arousal.Level) {
	e.arousalLevel.Set(float64(level))
	for _, l := range arousal.Levels() {
		var v float64
		if l == level {
			v = 1
		}
		e.arousalLevelInfo.WithLabelValues(l.String()).Set(v)
	}
}

func (e *Exporter) observeTransition(t arousal.Transition) {
	e.transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
	e.SetLevel(t.To)
}

// OnTransition implements arousal.Handler.
func (e *Exporter) OnTransition(_ context.Context, t arousal.Transition) {
	e.observeTransition(t)
}

// Notify implements arousal.Notifier.
func (e *Exporter) Notify(t arousal.Transition) {
	e.observeTransition(t)
}

// RecordAnomaly counts a finding for the given metric.
func (e *Exporter) RecordAnomaly(metric string) {
	e.anomalies.WithLabelValues(metric).Inc()
}

// RecordForecast counts one produced forecast.
func (e *Exporter) RecordForecast() {
	e.forecasts.Inc()
}

// ObserveAnalysis records the duration of one analyzer pass.
func (e *Exporter) ObserveAnalysis(d time.Duration) {
	e.analysisDuration.Observe(d.Seconds())
}

// RecordCleanupRemoved counts samples dropped by retention cleanup.
func (e *Exporter) RecordCleanupRemoved(removed int) {
	if removed > 0 {
		e.cleanupRemoved.Add(float64(removed))
	}
}

type countingWriter struct {
	next    SampleWriter
	counter prometheus.Counter
}

func (w *countingWriter) Put(ctx context.Context, name string, ts time.Time, value float64) error {
	err := w.next.Put(ctx, name, ts, value)
	if err == nil {
		w.counter.Inc()
	}
	return err
}

// WrapWriter returns a writer that counts successful sample writes
// before delegating to next.
func (e *Exporter) WrapWriter(next SampleWriter) SampleWriter {
	return &countingWriter{next: next, counter: e.samplesWritten}
}
