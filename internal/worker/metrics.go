package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	outputsTotal        *prometheus.CounterVec
	placementsTotal     *prometheus.CounterVec
	removalCallsTotal   prometheus.Counter
	pixelsRenderedTotal prometheus.Counter
	computeTimeMSTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_worker_jobs_total",
			Help: "Total worker jobs by source type, mode and final status.",
		}, []string{"source_type", "mode", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backdrop_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "mode", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backdrop_worker_active_jobs",
			Help: "Current number of active composite jobs in the worker.",
		}),
		outputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_worker_outputs_total",
			Help: "Total images emitted by the worker, by kind.",
		}, []string{"kind"}),
		placementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backdrop_worker_placements_total",
			Help: "Total cutout placements, by alignment branch.",
		}, []string{"align"}),
		removalCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backdrop_usage_removal_calls_total",
			Help: "Total requests sent to the background-removal service.",
		}),
		pixelsRenderedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backdrop_usage_pixels_rendered_total",
			Help: "Total composite pixels rendered across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backdrop_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.outputsTotal,
		m.placementsTotal,
		m.removalCallsTotal,
		m.pixelsRenderedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
