package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WebhooksProcessed counts inbound gateway webhook deliveries by outcome
// (applied, duplicate, ignored, not_found, error)
var WebhooksProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixtrade_webhooks_processed_total",
		Help: "Total number of gateway webhook deliveries processed by outcome",
	},
	[]string{"outcome"},
)

// TradesSettled counts settled trades by result (win/loss)
var TradesSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixtrade_trades_settled_total",
		Help: "Total number of binary option trades settled by result",
	},
	[]string{"result"},
)

// TradesPlaced counts placed trades by direction
var TradesPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixtrade_trades_placed_total",
		Help: "Total number of binary option trades placed by direction",
	},
	[]string{"direction"},
)

// Payment gateway call metrics
var (
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixtrade_gateway_requests_total",
			Help: "Total number of payment gateway requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixtrade_gateway_request_latency_seconds",
			Help:    "Latency in seconds of payment gateway requests",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WebhooksProcessed, TradesSettled, TradesPlaced)
	prometheus.MustRegister(GatewayRequests, GatewayLatency)
}
