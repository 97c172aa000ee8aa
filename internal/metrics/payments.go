package metrics

import "github.com/prometheus/client_golang/prometheus"

// Session and settlement Prometheus metrics.
var (
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "sessions_created_total",
			Help:      "Total number of spending sessions created",
		},
	)

	SessionsEndedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended explicitly",
		},
	)

	SessionsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "sessions_exhausted_total",
			Help:      "Total number of sessions that ran out of budget",
		},
	)

	SettlementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "settlements_total",
			Help:      "Total number of usage settlements recorded",
		},
	)

	SettledMicroTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "settled_micro_total",
			Help:      "Cumulative settled spend in token smallest units",
		},
	)

	SessionBudgetRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paygent",
			Name:      "session_budget_remaining_micro",
			Help:      "Remaining session budget in token smallest units",
		},
	)

	PaymentChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "payment_challenges_total",
			Help:      "Payment-required challenges received, by outcome",
		},
		[]string{"outcome"}, // "satisfied" / "rejected"
	)
)

// RegisterPaymentMetrics registers session and settlement metrics explicitly (no init()).
func RegisterPaymentMetrics() {
	prometheus.MustRegister(
		SessionsCreatedTotal,
		SessionsEndedTotal,
		SessionsExhaustedTotal,
		SettlementsTotal,
		SettledMicroTotal,
		SessionBudgetRemaining,
		PaymentChallengesTotal,
	)
}
