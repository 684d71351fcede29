// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: venue listings, matched
// event pairs, sized opportunities, positions, and portfolio state. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two trading venues.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"     // regulated exchange, prices in integer cents
	VenuePolymarket Venue = "polymarket" // blockchain CLOB, prices in [0,1] dollars
)

// MarketSide selects the YES or NO contract of a binary market.
type MarketSide string

const (
	SideYes MarketSide = "yes"
	SideNo  MarketSide = "no"
)

// Action is the order direction: buy opens exposure, sell closes it.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// TimeInForce enumerates the supported order lifecycles. Arbitrage legs are
// fired as immediate-or-cancel so an unfilled leg never rests on the book.
type TimeInForce string

const (
	TifIOC TimeInForce = "ioc"
	TifGTC TimeInForce = "gtc"
)

// Direction names the two possible ways to leg into a cross-venue pair.
//
// D1 buys YES on Kalshi and NO on Polymarket; D2 is the mirror. Exactly one
// of the two can be profitable at a time unless the books are crossed on
// both sides.
type Direction string

const (
	BuyYesKalshiNoPoly Direction = "yes_kalshi_no_poly" // leg1 = YES@Kalshi, leg2 = NO@Polymarket
	BuyYesPolyNoKalshi Direction = "yes_poly_no_kalshi" // leg1 = YES@Polymarket, leg2 = NO@Kalshi
)

// Describe renders the direction for alerts and logs.
func (d Direction) Describe() string {
	switch d {
	case BuyYesKalshiNoPoly:
		return "YES@kalshi + NO@polymarket"
	case BuyYesPolyNoKalshi:
		return "YES@polymarket + NO@kalshi"
	default:
		return string(d)
	}
}

// RiskTier buckets an opportunity's aggregate risk score.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"      // score < 0.3, full size
	RiskMedium   RiskTier = "MEDIUM"   // score < 0.5, 70% size
	RiskHigh     RiskTier = "HIGH"     // score < 0.7, not executed
	RiskCritical RiskTier = "CRITICAL" // score >= 0.7, not executed
)

// Multiplier returns the position-size scaling for the tier.
func (t RiskTier) Multiplier() float64 {
	switch t {
	case RiskLow:
		return 1.0
	case RiskMedium:
		return 0.7
	case RiskHigh:
		return 0.3
	default:
		return 0.1
	}
}

// Executable reports whether the detector may act on this tier.
func (t RiskTier) Executable() bool {
	return t == RiskLow || t == RiskMedium
}

// OrderStatus is the canonical order state shared by both venue clients.
// Raw venue statuses are normalized at the client boundary.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// filledStatuses are the raw venue spellings that count as a complete fill.
var filledStatuses = map[string]bool{
	"filled":   true,
	"complete": true,
	"executed": true,
	"matched":  true,
}

// IsFilledStatus reports whether a raw venue status string means "filled".
func IsFilledStatus(raw string) bool {
	return filledStatuses[raw]
}

// PositionState is the lifecycle of a two-leg position.
type PositionState string

const (
	PositionAllocated  PositionState = "ALLOCATED"   // capital locked, nothing placed
	PositionPlaced     PositionState = "PLACED"      // both legs submitted
	PositionBothFilled PositionState = "BOTH_FILLED" // riskless pair established
	PositionUnwinding  PositionState = "UNWINDING"   // one leg filled, offset in flight
	PositionClosed     PositionState = "CLOSED"      // capital released
	PositionFailed     PositionState = "FAILED"      // neither leg filled
)

// ExecutionMode partitions every journal row so paper and live analytics
// never mix.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "paper"
	ModeLive  ExecutionMode = "live"
)

// ExecStatus is the terminal outcome of a two-leg dispatch.
type ExecStatus string

const (
	ExecBothFilled   ExecStatus = "both_filled"
	ExecUnwound      ExecStatus = "partial_fill_unwound"
	ExecUnwindFailed ExecStatus = "partial_fill_unwind_failed"
	ExecFailed       ExecStatus = "failed"
)

// ListingStatus is the trading state a venue reports for one market.
type ListingStatus string

const (
	ListingOpen    ListingStatus = "open"
	ListingClosed  ListingStatus = "closed"
	ListingSettled ListingStatus = "settled"
)

// ————————————————————————————————————————————————————————————————————————
// Market catalogue
// ————————————————————————————————————————————————————————————————————————

// Listing is the normalized view of one market on one venue, produced by the
// venue clients during catalogue scans. Listings are immutable for a given
// snapshot and uniquely identified by (Venue, NativeID).
type Listing struct {
	Venue          Venue           // which venue reported it
	NativeID       string          // venue-native market identifier (ticker or token pair ID)
	Question       string          // the prediction question, e.g. "Will X happen by Y?"
	Description    string          // resolution criteria / rules text
	ResolutionTime time.Time       // zero value = venue did not report a date
	Status         ListingStatus   // open, closed, or settled
	Volume         float64         // traded volume to date, quote units
	Liquidity      float64         // resting liquidity on the book, quote units
	Raw            json.RawMessage // untouched venue payload, kept for the journal
}

// PairedEvent is two listings, one per venue, judged to resolve on the same
// real-world event. Similarity is the matcher's combined text score.
type PairedEvent struct {
	Kalshi     Listing
	Polymarket Listing
	Similarity float64
}

// Quote is the best YES and best NO for one listing at one instant.
// A zero price means that side of the book is empty.
type Quote struct {
	BestYes   float64
	BestNo    float64
	FetchedAt time.Time
}

// Live reports whether both sides of the quote are present.
func (q Quote) Live() bool {
	return q.BestYes > 0 && q.BestNo > 0
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and positions
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a sized, direction-selected arbitrage candidate.
//
// Spread is PriceLeg1+PriceLeg2 and GrossEdge is 1-Spread. FeeLeg1/FeeLeg2
// are absolute quote-unit amounts (leg2 includes the blockchain fixed cost),
// so NetEdge = GrossEdge - (FeeLeg1+FeeLeg2)/Size. Contracts is the integer
// Kalshi leg, SizeLeg2 the decimal Polymarket token amount. Horizon 0 means
// the resolution date is unknown.
//
// Invariants enforced by the detector: NetEdge > 0, Size >= the configured
// minimum, RiskTier is LOW or MEDIUM, and both legs respect the per-venue
// liquidity floor.
type Opportunity struct {
	Pair       PairedEvent `json:"-"`
	KalshiID   string      `json:"kalshi_id"`
	PolyID     string      `json:"polymarket_id"`
	Question   string      `json:"question"`
	Direction  Direction   `json:"direction"`
	PriceLeg1  float64     `json:"price_leg1"`
	PriceLeg2  float64     `json:"price_leg2"`
	Spread     float64     `json:"spread"`
	GrossEdge  float64     `json:"gross_edge"`
	FeeLeg1    float64     `json:"fee_leg1"`
	FeeLeg2    float64     `json:"fee_leg2"`
	NetEdge    float64     `json:"net_edge"`
	Size       float64     `json:"size_usd"`
	Contracts  int         `json:"contracts"`
	SizeLeg2   float64     `json:"size_leg2"`
	Profit     float64     `json:"expected_profit"`
	ROI        float64     `json:"expected_roi"`
	Horizon    int         `json:"horizon_days"`
	Annualized float64     `json:"annualized_roi"`
	RiskTier   RiskTier    `json:"risk_tier"`
	RiskScore  float64     `json:"risk_score"`
	Warnings   []string    `json:"risk_warnings,omitempty"`
	Similarity float64     `json:"similarity"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Position tracks the effect of executing one Opportunity. Owned by the
// capital manager from allocation until release; the executor mutates the
// leg fields during dispatch.
type Position struct {
	ID          string          `json:"position_id"`
	Opportunity *Opportunity    `json:"opportunity,omitempty"`
	Leg1OrderID string          `json:"leg1_order_id,omitempty"`
	Leg2OrderID string          `json:"leg2_order_id,omitempty"`
	Leg1Filled  bool            `json:"leg1_filled"`
	Leg2Filled  bool            `json:"leg2_filled"`
	Allocated   decimal.Decimal `json:"allocated_capital"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	State       PositionState   `json:"state"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
}

// LegResult is the outcome of one order placement inside a two-leg dispatch.
type LegResult struct {
	Venue   Venue      `json:"venue"`
	Market  string     `json:"market"`
	Side    MarketSide `json:"side"`
	OrderID string     `json:"order_id,omitempty"`
	Filled  bool       `json:"filled"`
	Price   float64    `json:"price"`
	Qty     float64    `json:"qty"`
	Error   string     `json:"error,omitempty"`
}

// ExecutionResult is what the executor returns for one opportunity.
type ExecutionResult struct {
	PositionID string        `json:"position_id"`
	Status     ExecStatus    `json:"status"`
	Success    bool          `json:"success"`
	Leg1       LegResult     `json:"leg1"`
	Leg2       LegResult     `json:"leg2"`
	ActualCost float64       `json:"actual_cost"` // quote units actually committed
	Mode       ExecutionMode `json:"execution_mode"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// PortfolioState is the process-wide account snapshot. Monetary fields use
// decimals so ledger arithmetic stays exact across allocate/release cycles.
type PortfolioState struct {
	BalanceKalshi     decimal.Decimal `json:"balance_kalshi"`
	BalancePolymarket decimal.Decimal `json:"balance_polymarket"`
	LockedCapital     decimal.Decimal `json:"locked_capital"`
	OpenPositions     int             `json:"open_positions"`
	DailyStartBalance decimal.Decimal `json:"daily_start_balance"`
	PeakBalance       decimal.Decimal `json:"peak_balance"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// TotalBalance is the sum of both venue balances.
func (p PortfolioState) TotalBalance() decimal.Decimal {
	return p.BalanceKalshi.Add(p.BalancePolymarket)
}

// PerformanceSummary is the journal's aggregated view over a trailing window.
type PerformanceSummary struct {
	PeriodDays    int             `json:"period_days"`
	Mode          ExecutionMode   `json:"execution_mode"`
	Opportunities int             `json:"opportunities_detected"`
	Trades        int             `json:"trades_executed"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       float64         `json:"win_rate"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
}

// RebalanceTarget is a surfaced (never executed) cross-venue transfer that
// would restore the configured allocation split.
type RebalanceTarget struct {
	FromVenue Venue           `json:"from_venue"`
	ToVenue   Venue           `json:"to_venue"`
	Amount    decimal.Decimal `json:"amount"`
	DriftPct  float64         `json:"drift_pct"`
}
