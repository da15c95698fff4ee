package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- Prometheus Metrics ---

var (
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_admissions_total", Help: "Admission decisions"},
		[]string{"decision"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_jobs_total", Help: "Terminal job dispositions"},
		[]string{"outcome"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_job_duration_seconds",
			Help:    "Arrival to terminal outcome for dispatched jobs",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatrelay_queue_depth", Help: "Jobs waiting for a worker"},
	)
	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatrelay_jobs_in_flight", Help: "Jobs dispatched and awaiting an outcome"},
	)
	workersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatrelay_workers_connected", Help: "Registered worker connections"},
	)
	workerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_worker_messages_total", Help: "Inbound worker messages by type"},
		[]string{"type"},
	)
	lateMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatrelay_late_messages_total", Help: "Worker messages for jobs already finished"},
	)
)

func metricCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		admissionsTotal, jobsTotal, jobDuration, queueDepth,
		jobsInFlight, workersConnected, workerMessagesTotal, lateMessagesTotal,
	}
}

// newMetricsRegistry returns a registry with the relay and Go runtime metrics.
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metricCollectors()...)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
