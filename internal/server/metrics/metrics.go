// Package metrics holds the Prometheus instruments of the ingestion service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldcap"

// Reconciliation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
	OutcomeUnsafe    = "unsafe"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	// HTTP
	RequestsTotal   *prometheus.CounterVec   // fieldcap_http_requests_total{method,route,status}
	RequestDuration *prometheus.HistogramVec // fieldcap_http_request_duration_seconds{route}

	// Ingestion
	UploadsTotal    *prometheus.CounterVec // fieldcap_uploads_total{kind,outcome}
	UploadBytes     *prometheus.CounterVec // fieldcap_upload_bytes_total{kind}
	FaultsTriggered prometheus.Counter     // fieldcap_faults_triggered_total

	// Day index
	IndexAttempts        prometheus.Counter     // fieldcap_index_attempts_total
	IndexConflicts       prometheus.Counter     // fieldcap_index_conflicts_total
	IndexReconciliations *prometheus.CounterVec // fieldcap_index_reconciliations_total{outcome}

	// Notifications
	NotificationsDropped prometheus.Counter // fieldcap_notifications_dropped_total
}

// New registers the instruments with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests by kind and outcome",
		}, []string{"kind", "outcome"}),

		UploadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes of media stored by kind",
		}, []string{"kind"}),

		FaultsTriggered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_triggered_total",
			Help:      "Uploads failed on purpose by the fault harness",
		}),

		IndexAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_attempts_total",
			Help:      "Read-merge-write rounds against day indices",
		}),

		IndexConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_conflicts_total",
			Help:      "Conditional day index writes lost to a concurrent writer",
		}),

		IndexReconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_reconciliations_total",
			Help:      "Day index reconciliations by outcome",
		}, []string{"outcome"}),

		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications not delivered to a slow subscriber",
		}),
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) Upload(kind, outcome string, bytes int) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		m.UploadBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.FaultsTriggered.Inc()
}

func (m *Metrics) IndexAttempt() {
	if m == nil {
		return
	}
	m.IndexAttempts.Inc()
}

func (m *Metrics) IndexConflict() {
	if m == nil {
		return
	}
	m.IndexConflicts.Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.IndexReconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
