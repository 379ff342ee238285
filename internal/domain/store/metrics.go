package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics the store records.
// Pass to New via WithMetrics.
type Metrics struct {
	SavesTotal      prometheus.Counter
	SaveErrorsTotal prometheus.Counter
	MutationsTotal  prometheus.Counter
	Subscriptions   prometheus.Gauge
}

// NewMetrics creates and registers all store metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SavesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "alfred",
				Name:      "store_saves_total",
				Help:      "Total successful store file writes",
			},
		),
		SaveErrorsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "alfred",
				Name:      "store_save_errors_total",
				Help:      "Total failed store file writes",
			},
		),
		MutationsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "alfred",
				Name:      "store_mutations_total",
				Help:      "Total accepted document mutations",
			},
		),
		Subscriptions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "alfred",
				Name:      "store_subscriptions",
				Help:      "Number of live store subscriptions",
			},
		),
	}
}
