package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		gatewayCallsTotal,
		gatewayCallLatencyMs,
		bulkPayoutItemsTotal,
	)
}

var (
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Outbound gateway calls by operation and result kind.",
		},
		[]string{"gateway", "op", "result"},
	)

	gatewayCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_ms",
			Help:    "Outbound gateway call latency in milliseconds.",
			Buckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
		},
		[]string{"gateway", "op"},
	)

	bulkPayoutItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_payout_items_total",
			Help: "Bulk payout items by outcome (succeeded/failed).",
		},
		[]string{"outcome"},
	)
)

// ObserveGatewayCall records one outbound call. result is "ok" or the failure kind.
func ObserveGatewayCall(gateway, op, result string, latency time.Duration) {
	gatewayCallsTotal.WithLabelValues(norm(gateway), norm(op), norm(result)).Inc()
	gatewayCallLatencyMs.WithLabelValues(norm(gateway), norm(op)).Observe(float64(latency.Milliseconds()))
}

func IncBulkPayoutItem(outcome string) {
	bulkPayoutItemsTotal.WithLabelValues(norm(outcome)).Inc()
}
