package solvency

import "github.com/prometheus/client_golang/prometheus"

var (
	treasuryBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slash_remediation",
		Subsystem: "solvency",
		Name:      "treasury_balance_ssc",
		Help:      "Treasury free balance observed by the last solvency check, in SSC.",
	})

	shortfalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slash_remediation",
		Subsystem: "solvency",
		Name:      "shortfalls_total",
		Help:      "Solvency checks that found the treasury unable to cover a batch.",
	})

	checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slash_remediation",
		Subsystem: "solvency",
		Name:      "errors_total",
		Help:      "Solvency checks that could not read the treasury balance.",
	})
)

func init() {
	prometheus.MustRegister(
		treasuryBalance,
		shortfalls,
		checkErrors,
	)
}
