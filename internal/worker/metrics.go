package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	pipelineOutputsTotal prometheus.Counter
	degenerateTotal      prometheus.Counter
	pixelsProcessedTotal prometheus.Counter
	pixelsMaskedTotal    prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
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
			Name: "normthumb_worker_jobs_total",
			Help: "Total render jobs by raster kind and outcome.",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "normthumb_worker_job_duration_seconds",
			Help:    "Load, normalize and emit duration for each render job.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "normthumb_worker_active_jobs",
			Help: "Render jobs currently holding a worker slot.",
		}),
		pipelineOutputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_worker_pipeline_outputs_total",
			Help: "Total thumbnails emitted by the worker.",
		}),
		degenerateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_worker_degenerate_ranges_total",
			Help: "Renders whose gated extremum collapsed to a single value.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_usage_pixels_processed_total",
			Help: "Total source pixels normalized across rendered jobs.",
		}),
		pixelsMaskedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_usage_pixels_masked_total",
			Help: "Total source pixels excluded by validity masks.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_usage_bytes_saved_total",
			Help: "Total bytes saved across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "normthumb_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pipelineOutputsTotal,
		m.degenerateTotal,
		m.pixelsProcessedTotal,
		m.pixelsMaskedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
