package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobRunsTotal, jobItemsTotal, jobLatencyMs) }

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Background job runs, labeled by job and status.",
		},
		[]string{"job", "status"}, // 'completed', 'failed'
	)

	jobItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_items_processed_total",
			Help: "Items processed by background jobs.",
		},
		[]string{"job"},
	)

	jobLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_latency_ms",
			Help:    "Background job run latency in milliseconds.",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000},
		},
		[]string{"job"},
	)
)

func ObserveJob(job, status string, processed int, latency time.Duration) {
	jobRunsTotal.WithLabelValues(norm(job), norm(status)).Inc()
	jobItemsTotal.WithLabelValues(norm(job)).Add(float64(processed))
	jobLatencyMs.WithLabelValues(norm(job)).Observe(float64(latency.Milliseconds()))
}
