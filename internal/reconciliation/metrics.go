package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileCustodyDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fairbroker",
		Subsystem: "reconciliation",
		Name:      "custody_diff",
		Help:      "Custody balance minus expected escrow at the last reconciliation run. Nonzero means funds are not conserved.",
	})

	reconcileEscrowedOffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fairbroker",
		Subsystem: "reconciliation",
		Name:      "escrowed_offers",
		Help:      "Number of offers with funds in custody at the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fairbroker",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fairbroker",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileCustodyDiff,
		reconcileEscrowedOffers,
		reconcileDuration,
		reconcileErrors,
	)
}
