package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "reconciliation"

var (
	ledgerMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "carpool", Subsystem: subsystem, Name: "ledger_mismatches",
		Help: "Escrows whose held balance disagrees with their ledger lines in the last run.",
	})
	stuckEscrows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "carpool", Subsystem: subsystem, Name: "stuck_escrows",
		Help: "Escrows left in resolving past the stuck threshold in the last run.",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "carpool", Subsystem: subsystem, Name: "run_duration_seconds",
		Help:    "Duration of reconciliation runs in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	checkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool", Subsystem: subsystem, Name: "errors_total",
		Help: "Escrows that could not be checked.",
	})
	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "carpool", Subsystem: subsystem, Name: "last_success_timestamp_seconds",
		Help: "Unix time of the last reconciliation run that completed.",
	})
)
