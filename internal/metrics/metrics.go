// Package metrics exposes the Prometheus collectors for the scan loop,
// detector, executor, and portfolio. Everything registers on the default
// registry at init and is served by the dashboard's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crossarb/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Scan loop
// ————————————————————————————————————————————————————————————————————————

// ScanTicks counts completed engine ticks, including aborted ones.
var ScanTicks = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "scan_ticks_total",
		Help:      "Number of scan ticks started",
	},
)

// ListingsFetched counts catalogue entries returned per venue.
var ListingsFetched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "listings_fetched_total",
		Help:      "Catalogue listings fetched, by venue",
	},
	[]string{"venue"},
)

// PairsMatched is the number of cross-venue pairs the matcher produced on
// the latest tick.
var PairsMatched = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "pairs_matched",
		Help:      "Cross-venue event pairs matched on the latest tick",
	},
)

// ————————————————————————————————————————————————————————————————————————
// Detection
// ————————————————————————————————————————————————————————————————————————

// OpportunitiesDetected counts sized opportunities that cleared every gate.
var OpportunitiesDetected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "detector",
		Name:      "opportunities_total",
		Help:      "Arbitrage opportunities detected",
	},
)

// Rejections counts discarded pair directions by gate.
var Rejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "detector",
		Name:      "rejections_total",
		Help:      "Pair directions rejected, by reason",
	},
	[]string{"reason"},
)

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// Executions counts dispatch outcomes by terminal status and mode.
var Executions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Two-leg executions, by terminal status and mode",
	},
	[]string{"status", "mode"},
)

// ————————————————————————————————————————————————————————————————————————
// Portfolio and risk
// ————————————————————————————————————————————————————————————————————————

// RealizedPnL is cumulative realized profit in quote units.
var RealizedPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "portfolio",
		Name:      "realized_pnl_usd",
		Help:      "Cumulative realized PnL in USD",
	},
)

// LockedCapital is capital currently committed to open positions.
var LockedCapital = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "portfolio",
		Name:      "locked_capital_usd",
		Help:      "Capital locked in open positions in USD",
	},
)

// VenueBalance is the free balance per venue.
var VenueBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "portfolio",
		Name:      "balance_usd",
		Help:      "Free balance in USD, by venue",
	},
	[]string{"venue"},
)

// OpenPositions is the current open position count.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Currently open positions",
	},
)

// BreakerHalted is 1 while the circuit breaker latch is tripped.
var BreakerHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "risk",
		Name:      "breaker_halted",
		Help:      "Circuit breaker state (1=halted, 0=trading)",
	},
)

// ————————————————————————————————————————————————————————————————————————
// Recording helpers
// ————————————————————————————————————————————————————————————————————————

// RecordTick marks the start of a scan tick.
func RecordTick() {
	ScanTicks.Inc()
}

// RecordListings adds one catalogue fetch result.
func RecordListings(venue types.Venue, count int) {
	ListingsFetched.WithLabelValues(string(venue)).Add(float64(count))
}

// RecordPairs publishes the matcher output size for the latest tick.
func RecordPairs(count int) {
	PairsMatched.Set(float64(count))
}

// RecordOpportunity counts one detection.
func RecordOpportunity() {
	OpportunitiesDetected.Inc()
}

// RecordRejection counts one discarded direction.
func RecordRejection(reason string) {
	Rejections.WithLabelValues(reason).Inc()
}

// RecordExecution counts one dispatch outcome.
func RecordExecution(status types.ExecStatus, mode types.ExecutionMode) {
	Executions.WithLabelValues(string(status), string(mode)).Inc()
}

// UpdatePortfolio publishes the ledger gauges from one portfolio snapshot.
func UpdatePortfolio(state types.PortfolioState) {
	RealizedPnL.Set(state.RealizedPnL.InexactFloat64())
	LockedCapital.Set(state.LockedCapital.InexactFloat64())
	VenueBalance.WithLabelValues(string(types.VenueKalshi)).Set(state.BalanceKalshi.InexactFloat64())
	VenueBalance.WithLabelValues(string(types.VenuePolymarket)).Set(state.BalancePolymarket.InexactFloat64())
	OpenPositions.Set(float64(state.OpenPositions))
}

// UpdateBreaker publishes the breaker latch state.
func UpdateBreaker(halted bool) {
	if halted {
		BreakerHalted.Set(1)
	} else {
		BreakerHalted.Set(0)
	}
}
