package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		webhooksTotal,
		webhookLatencyMs,
	)
}

var (
	webhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_total",
			Help: "Inbound gateway callbacks by outcome (processed/duplicate/ignored/rejected/in_progress/error).",
		},
		[]string{"gateway", "outcome"},
	)

	webhookLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_webhook_latency_ms",
			Help:    "Callback handling latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"gateway"},
	)
)

func ObserveWebhook(gateway, outcome string, latency time.Duration) {
	webhooksTotal.WithLabelValues(norm(gateway), norm(outcome)).Inc()
	webhookLatencyMs.WithLabelValues(norm(gateway)).Observe(float64(latency.Milliseconds()))
}
