// Package metrics exposes Prometheus collectors for compressions,
// compositions, and manifest conflicts. A nil *Metrics is a valid no-op so
// components can record unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "strata"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds the registered collectors.
type Metrics struct {
	compressions        *prometheus.CounterVec
	compressionDuration prometheus.Histogram
	compressionRatio    prometheus.Histogram
	compositions        *prometheus.CounterVec
	manifestConflicts   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		compressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressions_total",
			Help:      "Compressions attempted, by outcome.",
		}, []string{"outcome"}),
		compressionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_duration_seconds",
			Help:      "Wall-clock time of summarizer calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		compressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "Realized input/output token ratio of successful compressions.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89},
		}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compositions_total",
			Help:      "Compositions attempted, by outcome.",
		}, []string{"outcome"}),
		manifestConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_conflicts_total",
			Help:      "Manifest saves rejected because of a newer revision.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.compressions, m.compressionDuration, m.compressionRatio, m.compositions, m.manifestConflicts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCompression records a compression outcome. Duration and ratio are
// only observed for successful compressions.
func (m *Metrics) ObserveCompression(outcome string, d time.Duration, ratio float64) {
	if m == nil {
		return
	}
	m.compressions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.compressionDuration.Observe(d.Seconds())
		m.compressionRatio.Observe(ratio)
	}
}

// ObserveComposition records a composition outcome.
func (m *Metrics) ObserveComposition(outcome string) {
	if m == nil {
		return
	}
	m.compositions.WithLabelValues(outcome).Inc()
}

// ManifestConflict records one optimistic revision conflict.
func (m *Metrics) ManifestConflict() {
	if m == nil {
		return
	}
	m.manifestConflicts.Inc()
}
