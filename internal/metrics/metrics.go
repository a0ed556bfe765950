// Package metrics defines the Prometheus collectors shared by the API and the
// worker. Collectors are registered on an explicit registerer so tests can
// use a fresh registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mapxion"

// Metrics groups every collector the services expose.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	JobsCreated       prometheus.Counter
	JobTransitions    *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
	UploadedFiles     *prometheus.CounterVec
	UploadedBytes     *prometheus.CounterVec
	ArchiveStreams    *prometheus.CounterVec
	QueueReady        prometheus.Gauge
	WorkerJobs        *prometheus.CounterVec
	WorkerJobDuration prometheus.Histogram
	WorkerActive      prometheus.Gauge
	StoreQueries      *prometheus.CounterVec
	StoreDuration     *prometheus.HistogramVec
}

// New builds the collectors on a dedicated registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(reg)
	m.registry = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created.",
		}),
		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Applied job status transitions.",
		}, []string{"from", "to"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_total",
			Help:      "Submit attempts by outcome code.",
		}, []string{"outcome"}),
		UploadedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_files_total",
			Help:      "Files written into job file areas.",
		}, []string{"region"}),
		UploadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written into job file areas.",
		}, []string{"region"}),
		ArchiveStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_streams_total",
			Help:      "Archive downloads by region and result.",
		}, []string{"region", "result"}),
		QueueReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready",
			Help:      "1 while the work queue connection is ready.",
		}),
		WorkerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Messages handled by the worker by result.",
		}, []string{"result"}),
		WorkerJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_job_duration_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		WorkerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active_jobs",
			Help:      "Pipeline runs currently in progress.",
		}),
		StoreQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_queries_total",
			Help:      "Job store statements by audit marker and result.",
		}, []string{"sql", "result"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_query_duration_seconds",
			Help:      "Job store statement latency by audit marker.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"sql"}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration, m.JobsCreated, m.JobTransitions, m.Submissions,
		m.UploadedFiles, m.UploadedBytes, m.ArchiveStreams, m.QueueReady,
		m.WorkerJobs, m.WorkerJobDuration, m.WorkerActive,
		m.StoreQueries, m.StoreDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route, method string, code int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(took.Seconds())
}

// SetQueueReady mirrors the queue readiness flag.
func (m *Metrics) SetQueueReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.QueueReady.Set(1)
		return
	}
	m.QueueReady.Set(0)
}

// ObserveQuery records one store statement identified by its audit marker.
func (m *Metrics) ObserveQuery(marker, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.StoreQueries.WithLabelValues(marker, result).Inc()
	m.StoreDuration.WithLabelValues(marker).Observe(took.Seconds())
}
