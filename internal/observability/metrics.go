// Package observability exposes the core's prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts bookings and tracks job processing. All observe methods
// are nil-safe so wiring them up is optional.
type Metrics struct {
	bookingsTotal  *prometheus.CounterVec
	conflictsTotal prometheus.Counter
	jobDuration    *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Total booking requests by outcome",
		}, []string{"outcome"}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "booking",
			Name:      "conflicts_total",
			Help:      "Bookings rejected by the conflict re-check",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemed",
			Subsystem: "booking",
			Name:      "job_duration_seconds",
			Help:      "Booking job processing time by terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemed",
			Subsystem: "booking",
			Name:      "queue_depth",
			Help:      "Non-terminal jobs in the queue",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.conflictsTotal, m.jobDuration, m.queueDepth)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

func (m *Metrics) ObserveJobDuration(d time.Duration, status string) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
