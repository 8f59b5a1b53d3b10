package sale

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	passTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmrescrow",
		Subsystem: "worker",
		Name:      "records_total",
		Help:      "Records handled by worker passes, by outcome.",
	}, []string{"worker", "outcome"}) // "advanced", "deferred", "failed", "unchanged"

	passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xmrescrow",
		Subsystem: "worker",
		Name:      "pass_duration_seconds",
		Help:      "Duration of worker passes in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"worker"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmrescrow",
		Subsystem: "sale",
		Name:      "transitions_total",
		Help:      "Sale state transitions.",
	}, []string{"from", "to"})

	stepErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmrescrow",
		Subsystem: "worker",
		Name:      "step_errors_total",
		Help:      "Worker step errors by kind.",
	}, []string{"worker", "kind"})

	movedXMR = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmrescrow",
		Subsystem: "wallet",
		Name:      "moved_xmr_total",
		Help:      "XMR moved out of escrow subaccounts, by kind.",
	}, []string{"kind"}) // "payout", "refund", "sweep", "network_fee"
)

func init() {
	prometheus.MustRegister(
		passTotal,
		passDuration,
		transitionsTotal,
		stepErrorsTotal,
		movedXMR,
	)
}

func recordMoved(kind string, amount decimal.Decimal) {
	f, _ := amount.Float64()
	movedXMR.WithLabelValues(kind).Add(f)
}
