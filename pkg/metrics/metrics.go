// Package metrics exposes Prometheus counters for ingestion, rack
// assignment and the HTTP API. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vialstore"

// Metrics holds the collectors registered by New.
type Metrics struct {
	ingestFiles       *prometheus.CounterVec
	ingestRows        *prometheus.CounterVec
	racksAssigned     prometheus.Counter
	vialsAssigned     prometheus.Counter
	statusTransitions *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors with reg. It returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		ingestFiles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_total",
			Help:      "Export files processed, by result",
		}, []string{"result"}),
		ingestRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Export rows processed, by outcome",
		}, []string{"outcome"}),
		racksAssigned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "racks_assigned_total",
			Help:      "Racks created by slot assignment",
		}),
		vialsAssigned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vials_assigned_total",
			Help:      "Vials given a rack slot",
		}),
		statusTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Vials moved into a status",
		}, []string{"status"}),
		httpRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// FileIngested counts a file by result: "ingested", "skipped" or "failed".
func (m *Metrics) FileIngested(result string) {
	if m == nil {
		return
	}

	m.ingestFiles.WithLabelValues(result).Inc()
}

// RowsIngested counts the rows of one ingestion run.
func (m *Metrics) RowsIngested(added, duplicates, failures int) {
	if m == nil {
		return
	}

	m.ingestRows.WithLabelValues("added").Add(float64(added))
	m.ingestRows.WithLabelValues("duplicate").Add(float64(duplicates))
	m.ingestRows.WithLabelValues("failed").Add(float64(failures))
}

// RackAssigned counts a new rack holding vials vials.
func (m *Metrics) RackAssigned(vials int) {
	if m == nil {
		return
	}

	m.racksAssigned.Inc()
	m.vialsAssigned.Add(float64(vials))
}

// StatusChanged counts vials moved into status.
func (m *Metrics) StatusChanged(status string, vials int) {
	if m == nil || vials == 0 {
		return
	}

	m.statusTransitions.WithLabelValues(status).Add(float64(vials))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, code int, took time.Duration) {
	if m == nil {
		return
	}

	m.httpRequests.WithLabelValues(method, route, statusText(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
