package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

type metrics struct {
	registry          *prometheus.Registry
	inFlight          prometheus.Gauge
	requests          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	jobsCreated       *prometheus.CounterVec
	backdropsPerJob   *prometheus.HistogramVec
	uploadBytes       prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backdrop_api_in_flight_requests",
			Help: "Requests currently being served by the API.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_api_requests_total",
			Help: "Requests served, by mux route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backdrop_api_request_duration_seconds",
			Help:    "Request latency by mux route and method.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"route", "method"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_api_rate_limit_rejections_total",
			Help: "Requests refused with 429, by mux route.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_queue_jobs_enqueued_total",
			Help: "Composite tasks enqueued, by queue and mode (full or rerender).",
		}, []string{"queue", "mode"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_api_jobs_created_total",
			Help: "Jobs created, by source type.",
		}, []string{"source_type"}),
		backdropsPerJob: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backdrop_api_backdrops_per_task",
			Help:    "Backdrops carried by each enqueued composite task, by mode.",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}, []string{"mode"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backdrop_api_upload_bytes",
			Help:    "Size of photos uploaded directly through the API.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight,
		m.requests,
		m.latency,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.jobsCreated,
		m.backdropsPerJob,
		m.uploadBytes,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument wraps the handler registered for one mux route. Requests that
// never reach the mux (rate limited, unmatched) are not counted here.
func (m *metrics) instrument(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		m.latency.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), next),
	)
}

func (m *metrics) withInFlight(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.inFlight, next)
}

// handle registers h on the mux under pattern with per-route metrics.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.metrics.instrument(routeOf(pattern), h))
}

// route reports the mux pattern r resolves to, without its method.
func (s *Server) route(r *http.Request) string {
	_, pattern := s.mux.Handler(r)
	if pattern == "" {
		return unmatchedRoute
	}
	return routeOf(pattern)
}

func routeOf(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
