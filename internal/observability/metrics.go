package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_settlements_total",
			Help: "Checkout settlements by outcome",
		},
		[]string{"outcome"},
	)

	CashoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cashouts_total",
			Help: "Cashout requests by terminal state",
		},
		[]string{"state"},
	)

	TopupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_topups_total",
			Help: "Wallet topups by terminal state",
		},
		[]string{"state"},
	)

	StuckReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_stuck_releases_total",
			Help: "Reservations released by the stuck-transaction reconciler",
		},
	)
)

func Register() {
	prometheus.MustRegister(SettlementsTotal, CashoutsTotal, TopupsTotal, StuckReleasesTotal)
}
