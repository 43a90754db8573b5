package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EstimatorMetrics exposes counters/histograms for the estimator flow.
type EstimatorMetrics struct {
	sessionsStarted  prometheus.Counter
	lookupTotal      *prometheus.CounterVec
	lookupLatency    *prometheus.HistogramVec
	submissionsTotal *prometheus.CounterVec
}

func NewEstimatorMetrics(reg prometheus.Registerer) *EstimatorMetrics {
	m := &EstimatorMetrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "estimator",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Total estimator sessions created",
		}),
		lookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estimator",
			Subsystem: "permits",
			Name:      "lookup_total",
			Help:      "Total permit lookups by outcome",
		}, []string{"outcome"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "estimator",
			Subsystem: "permits",
			Name:      "lookup_latency_seconds",
			Help:      "Wall-clock duration of permit lookups including the minimum visible wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "estimator",
			Subsystem: "leads",
			Name:      "submissions_total",
			Help:      "Total lead submissions by status",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sessionsStarted, m.lookupTotal, m.lookupLatency, m.submissionsTotal)
	return m
}

func (m *EstimatorMetrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *EstimatorMetrics) RecordLookup(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookupTotal.WithLabelValues(outcome).Inc()
	m.lookupLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *EstimatorMetrics) RecordSubmission(status string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(status).Inc()
}
