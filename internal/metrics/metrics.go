// Package metrics provides Prometheus instrumentation for remediation runs.
// A run is a short-lived batch job, so metrics are pushed to a Pushgateway
// when it ends rather than scraped.
package metrics

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/autonomys/gemini-3h-slash/internal/balance"
)

// JobName is the Pushgateway job label.
const JobName = "slash_remediation"

var (
	// OperatorsTotal counts operators by final outcome.
	OperatorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slash_remediation",
			Name:      "operators_total",
			Help:      "Operators processed by outcome (done, failed, unattempted).",
		},
		[]string{"outcome"},
	)

	// FailuresTotal counts operator failures by the stage that failed.
	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slash_remediation",
			Name:      "failures_total",
			Help:      "Operator failures by stage.",
		},
		[]string{"stage"},
	)

	// NominatorsPaid counts transfers included in applied batches.
	NominatorsPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slash_remediation",
		Name:      "nominators_paid_total",
		Help:      "Nominator transfers included in applied batches.",
	})

	// AmountDispatched sums the value of applied batches.
	AmountDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slash_remediation",
		Name:      "amount_dispatched_ssc_total",
		Help:      "Total value transferred out of the treasury, in SSC.",
	})

	// ResidualRetained sums rounding residuals left in the treasury.
	ResidualRetained = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slash_remediation",
		Name:      "residual_retained_shannons_total",
		Help:      "Rounding residual left in the treasury, in the smallest unit.",
	})

	// OperatorDuration observes the time spent per operator.
	OperatorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slash_remediation",
		Name:      "operator_duration_seconds",
		Help:      "Time to remediate one operator, from state read to inclusion.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// RunDuration records how long the last run took.
	RunDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slash_remediation",
		Name:      "run_duration_seconds",
		Help:      "Wall time of the last remediation run.",
	})

	// LastRunSuccess is 1 when every operator of the last run completed.
	LastRunSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slash_remediation",
		Name:      "last_run_success",
		Help:      "1 if the last run remediated every operator, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(
		OperatorsTotal,
		FailuresTotal,
		NominatorsPaid,
		AmountDispatched,
		ResidualRetained,
		OperatorDuration,
		RunDuration,
		LastRunSuccess,
	)
}

// ObserveBatch records an applied batch.
func ObserveBatch(transfers int, amount *big.Int) {
	NominatorsPaid.Add(float64(transfers))
	AmountDispatched.Add(balance.Whole(amount))
}

// ObserveResidual records a rounding residual kept by the treasury.
func ObserveResidual(residual *big.Int) {
	if residual == nil || residual.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(residual).Float64()
	ResidualRetained.Add(f)
}

// ObserveRun records the run's wall time and overall result.
func ObserveRun(elapsed time.Duration, ok bool) {
	RunDuration.Set(elapsed.Seconds())
	if ok {
		LastRunSuccess.Set(1)
	} else {
		LastRunSuccess.Set(0)
	}
}

// Push sends every registered metric to the Pushgateway at url, grouped by
// run id. It is a no-op when url is empty.
func Push(ctx context.Context, url, runID string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, JobName).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("metrics: push to %s: %w", url, err)
	}
	return nil
}
