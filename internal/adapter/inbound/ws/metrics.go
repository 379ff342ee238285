package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the WebSocket surface.
type Metrics struct {
	ActiveSessions        prometheus.Gauge
	MessagesTotal         prometheus.Counter
	AbandonedTransactions prometheus.Counter
}

// NewMetrics creates and registers all WebSocket metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "alfred",
				Name:      "ws_active_sessions",
				Help:      "Number of open WebSocket sessions",
			},
		),
		MessagesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "alfred",
				Name:      "ws_messages_total",
				Help:      "Total inbound WebSocket text frames",
			},
		),
		AbandonedTransactions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "alfred",
				Name:      "ws_abandoned_transactions_total",
				Help:      "Outbound transactions abandoned because their session ended",
			},
		),
	}
}
