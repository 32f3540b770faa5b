package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		walletCreditsTotal,
		walletCreditedAmountTotal,
		ledgerTransitionsRejectedTotal,
	)
}

var (
	walletCreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_credits_total",
			Help: "Wallet credits applied, by gateway.",
		},
		[]string{"gateway"},
	)

	walletCreditedAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_credited_amount_total",
			Help: "Sum of credited minor units, by currency.",
		},
		[]string{"currency"},
	)

	ledgerTransitionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transitions_rejected_total",
			Help: "Events that attempted a transition the state machine does not allow.",
		},
		[]string{"entity", "event_type"},
	)
)

func IncWalletCredit(gateway, currency string, amount int64) {
	walletCreditsTotal.WithLabelValues(norm(gateway)).Inc()
	walletCreditedAmountTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncRejectedTransition(entity, eventType string) {
	ledgerTransitionsRejectedTotal.WithLabelValues(norm(entity), norm(eventType)).Inc()
}
