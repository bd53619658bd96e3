package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveredToParty = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "delivered_to_party",
			Subsystem: "network",
			Help:      "Messages delivered to a party, by recipient and kind.",
		},
		[]string{"party", "kind"},
	)

	DeliveredToLedger = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "delivered_to_ledger",
			Subsystem: "network",
			Help:      "Messages delivered to the ledger, by kind.",
		},
		[]string{"kind"},
	)

	LedgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "ledger_rejections",
			Subsystem: "ledger",
			Help:      "Messages the ledger refused, by kind.",
		},
		[]string{"kind"},
	)

	DisputesOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "disputes_opened",
			Subsystem: "ledger",
			Help:      "Channels force-closed through a dispute.",
		},
	)

	CompletedTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "completed_transfers",
			Subsystem: "channel",
			Help:      "In-channel transfers completed, by recipient.",
		},
		[]string{"recipient"},
	)

	QueuedToParty = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "queued_to_party",
			Subsystem: "network",
			Help:      "Counterparty messages currently in flight.",
		},
	)

	QueuedToLedger = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "queued_to_ledger",
			Subsystem: "network",
			Help:      "Ledger messages currently in flight.",
		},
	)
)

var Registered = false

func RegisterMetrics() {
	if Registered {
		return
	}
	Registered = true

	prometheus.MustRegister(DeliveredToParty)
	prometheus.MustRegister(DeliveredToLedger)
	prometheus.MustRegister(LedgerRejections)
	prometheus.MustRegister(DisputesOpened)
	prometheus.MustRegister(CompletedTransfers)
	prometheus.MustRegister(QueuedToParty)
	prometheus.MustRegister(QueuedToLedger)
}

func UpdateQueued(toParty, toLedger int) {
	QueuedToParty.Set(float64(toParty))
	QueuedToLedger.Set(float64(toLedger))
}
