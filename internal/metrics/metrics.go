// Package metrics records engine operation outcomes as prometheus collectors.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "innoflow"

type Recorder struct {
	gatherer            prometheus.Gatherer
	operations          *prometheus.CounterVec
	durations           *prometheus.HistogramVec
	conversions         *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	backRefPending      prometheus.Counter
}

// New registers the engine collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		gatherer: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_operations_total",
			Help:      "Engine operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Target entities created by the conversion pipeline.",
		}, []string{"type"}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications that were dropped or rejected by a sink.",
		}, []string{"reason"}),
		backRefPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backref_pending_total",
			Help:      "Conversions whose source back-reference could not be written.",
		}),
	}
	reg.MustRegister(r.operations, r.durations, r.conversions, r.notificationsFailed, r.backRefPending)
	return r
}

// ObserveOperation records one engine call. outcome is "ok" or an error class.
func (r *Recorder) ObserveOperation(op, outcome string, start time.Time) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, outcome).Inc()
	r.durations.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (r *Recorder) Conversion(conversionType string) {
	if r == nil {
		return
	}
	r.conversions.WithLabelValues(conversionType).Inc()
}

func (r *Recorder) NotificationFailed(reason string) {
	if r == nil {
		return
	}
	r.notificationsFailed.WithLabelValues(reason).Inc()
}

func (r *Recorder) BackRefPending() {
	if r == nil {
		return
	}
	r.backRefPending.Inc()
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
