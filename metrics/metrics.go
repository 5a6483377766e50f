// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credeat_http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Selections
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credeat_selection_transitions_total",
			Help: "Selection transitions by previous status, requested status and result.",
		},
		[]string{"from", "to", "result"},
	)
	SelectionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credeat_selection_attempts",
			Help:    "Store attempts needed per selection request.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// Ledger
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credeat_transactions_total",
			Help: "Transactions appended to the ledger.",
		},
		[]string{"type"}, // skip_credit|rejoin_debit|vendor_payment
	)
	LedgerDriftWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "credeat_ledger_drift_wallets",
			Help: "Wallets whose balance disagreed with their transaction history at the last audit.",
		},
	)

	registerOnce sync.Once
)

// Handler serves the default registry.
var Handler = promhttp.Handler

// Init registers every collector with the default registry. Safe to call twice.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPLatency,
			SelectionsTotal,
			SelectionAttempts,
			TransactionsTotal,
			LedgerDriftWallets,
		)
	})
}
