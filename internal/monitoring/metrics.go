package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors, registered once at import time via promauto.

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "economy_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "economy_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "economy_api_ledger_operations_total",
			Help: "Total number of committed ledger operations",
		},
		[]string{"operation"},
	)

	InventoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "economy_api_inventory_operations_total",
			Help: "Total number of committed inventory operations",
		},
		[]string{"operation"},
	)

	TradeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "economy_api_trade_operations_total",
			Help: "Total number of trade operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	TradeSettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "economy_api_trade_settlement_duration_seconds",
			Help:    "Trade settlement duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		},
	)

	TradesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "economy_api_trades_expired_total",
			Help: "Total number of trades expired by the sweeper",
		},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "economy_api_sweep_runs_total",
			Help: "Total number of expiry sweep runs",
		},
		[]string{"result"},
	)

	ReconciliationDiscrepancies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "economy_api_reconciliation_discrepancies",
			Help: "Balances whose amount disagrees with the ledger sum in the last run",
		},
	)
)

// ObserveSettlement records one settlement attempt.
func ObserveSettlement(outcome string, started time.Time) {
	TradeOperations.WithLabelValues("accept", outcome).Inc()
	TradeSettlementDuration.Observe(time.Since(started).Seconds())
}
