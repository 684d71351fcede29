// Package strategy turns paired quotes into sized, risk-scored opportunities.
//
// A binary market pays $1 on YES and $0 on NO. Buying YES on one venue and
// NO on the other locks in a payoff of exactly $1 per contract at
// resolution, whichever way the event goes. The position is riskless when
// the combined entry cost is below $1 net of fees:
//
//	spread     = p_yes + p_no        (across the two venues)
//	gross_edge = 1 - spread
//	net_edge   = gross_edge - (fee_leg1 + fee_leg2) / size
//
// The detector evaluates both directions of every pair:
//
//	D1: YES on Kalshi  + NO on Polymarket
//	D2: YES on Polymarket + NO on Kalshi
//
// and sizes the survivor by fractional Kelly, scaled down by the risk tier.
// A direction must clear, in order: the spread threshold, the risk gate,
// the minimum size, positive net edge, the per-venue liquidity floor, and
// the resolution-horizon gate. Of the directions that survive, the one with
// the higher expected profit wins; ties go to the higher annualized return.
package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// kellyFraction scales the Kelly-implied size to quarter strength. Full
// Kelly is far too volatile when edges come from noisy quote snapshots.
const kellyFraction = 0.25

// Rejection records why one direction of a pair was discarded. Reasons are
// stable strings used as metric labels.
type Rejection struct {
	Direction types.Direction
	Reason    string
	Detail    string
}

// Rejection reasons.
const (
	ReasonNoQuote   = "no_quote"
	ReasonSpread    = "spread_below_threshold"
	ReasonRisk      = "risk_tier"
	ReasonSize      = "below_min_size"
	ReasonFees      = "fees_exceed_edge"
	ReasonLiquidity = "insufficient_liquidity"
	ReasonHorizon   = "horizon_too_far"
)

// Detector is stateless between calls; all inputs arrive per evaluation.
type Detector struct {
	cfg      config.TradingConfig
	fees     config.FeesConfig
	capital  config.CapitalConfig
	analyzer *risk.Analyzer
	logger   *slog.Logger

	now func() time.Time
}

// NewDetector creates a detector.
func NewDetector(cfg config.TradingConfig, fees config.FeesConfig, capital config.CapitalConfig, analyzer *risk.Analyzer, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		fees:     fees,
		capital:  capital,
		analyzer: analyzer,
		logger:   logger.With("component", "detector"),
		now:      time.Now,
	}
}

// Evaluate checks both directions of a paired event against the current
// quotes and the bankroll available for new positions. It returns the best
// surviving opportunity, or nil with the per-direction rejections.
func (d *Detector) Evaluate(pair types.PairedEvent, kalshi, poly types.Quote, bankroll float64) (*types.Opportunity, []Rejection) {
	var rejected []Rejection

	d1, rej := d.evaluateDirection(pair, types.BuyYesKalshiNoPoly, kalshi.BestYes, poly.BestNo, bankroll)
	if rej != nil {
		rejected = append(rejected, *rej)
	}
	d2, rej := d.evaluateDirection(pair, types.BuyYesPolyNoKalshi, poly.BestYes, kalshi.BestNo, bankroll)
	if rej != nil {
		rejected = append(rejected, *rej)
	}

	best := pickBest(d1, d2)
	if best != nil {
		d.logger.Info("opportunity detected",
			"question", best.Question,
			"direction", best.Direction.Describe(),
			"gross_edge", fmt.Sprintf("%.4f", best.GrossEdge),
			"net_edge", fmt.Sprintf("%.4f", best.NetEdge),
			"size", fmt.Sprintf("%.2f", best.Size),
			"profit", fmt.Sprintf("%.2f", best.Profit),
			"tier", best.RiskTier,
		)
	}
	return best, rejected
}

// pickBest prefers the higher expected profit, then the higher annualized
// return.
func pickBest(a, b *types.Opportunity) *types.Opportunity {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Profit > a.Profit:
		return b
	case b.Profit == a.Profit && b.Annualized > a.Annualized:
		return b
	default:
		return a
	}
}

// evaluateDirection runs the full gate sequence for one direction. price1 is
// the YES leg, price2 the NO leg; which venue carries which follows from the
// direction.
func (d *Detector) evaluateDirection(pair types.PairedEvent, dir types.Direction, price1, price2, bankroll float64) (*types.Opportunity, *Rejection) {
	if price1 <= 0 || price2 <= 0 {
		return nil, &Rejection{Direction: dir, Reason: ReasonNoQuote}
	}

	spread := price1 + price2
	grossEdge := 1 - spread
	if grossEdge < d.cfg.ThresholdSpread {
		return nil, &Rejection{
			Direction: dir,
			Reason:    ReasonSpread,
			Detail:    fmt.Sprintf("gross edge %.4f < %.4f", grossEdge, d.cfg.ThresholdSpread),
		}
	}

	// Risk gate, consulted with the pre-Kelly size cap.
	sizeCap := bankroll * d.cfg.MaxTradeSizePct
	assessment := d.analyzer.Analyze(pair, pair.Similarity, grossEdge, sizeCap)
	if !assessment.Tier.Executable() {
		d.logger.Warn("direction rejected by risk tier",
			"question", pair.Kalshi.Question,
			"direction", dir,
			"tier", assessment.Tier,
			"score", assessment.Score,
			"warnings", assessment.Warnings,
		)
		return nil, &Rejection{
			Direction: dir,
			Reason:    ReasonRisk,
			Detail:    string(assessment.Tier),
		}
	}

	// Fractional Kelly, scaled by the tier multiplier.
	size := math.Min(sizeCap, bankroll*grossEdge*kellyFraction) * assessment.Multiplier
	if size < d.cfg.MinTradeSizeUSD {
		return nil, &Rejection{
			Direction: dir,
			Reason:    ReasonSize,
			Detail:    fmt.Sprintf("size %.2f < %.2f", size, d.cfg.MinTradeSizeUSD),
		}
	}

	feeLeg1, feeLeg2 := d.legFees(dir, size)
	netEdge := grossEdge - (feeLeg1+feeLeg2)/size
	if netEdge <= 0 {
		return nil, &Rejection{
			Direction: dir,
			Reason:    ReasonFees,
			Detail:    fmt.Sprintf("net edge %.4f after fees", netEdge),
		}
	}

	if pair.Kalshi.Liquidity < d.cfg.TargetLiquidityDepth || pair.Polymarket.Liquidity < d.cfg.TargetLiquidityDepth {
		return nil, &Rejection{
			Direction: dir,
			Reason:    ReasonLiquidity,
			Detail: fmt.Sprintf("kalshi %.0f / polymarket %.0f < %.0f",
				pair.Kalshi.Liquidity, pair.Polymarket.Liquidity, d.cfg.TargetLiquidityDepth),
		}
	}

	horizon := d.horizonDays(pair)
	var annualized float64
	if horizon > 0 {
		annualized = netEdge * 365 / float64(horizon)
		if horizon > d.capital.MaxDaysToResolution && netEdge < d.capital.HighReturnThreshold {
			return nil, &Rejection{
				Direction: dir,
				Reason:    ReasonHorizon,
				Detail: fmt.Sprintf("%d days out, net edge %.4f < %.4f",
					horizon, netEdge, d.capital.HighReturnThreshold),
			}
		}
	}

	kalshiPrice, polyPrice := venuePrices(dir, price1, price2)

	return &types.Opportunity{
		Pair:       pair,
		KalshiID:   pair.Kalshi.NativeID,
		PolyID:     pair.Polymarket.NativeID,
		Question:   pair.Kalshi.Question,
		Direction:  dir,
		PriceLeg1:  price1,
		PriceLeg2:  price2,
		Spread:     spread,
		GrossEdge:  grossEdge,
		FeeLeg1:    feeLeg1,
		FeeLeg2:    feeLeg2,
		NetEdge:    netEdge,
		Size:       size,
		Contracts:  int(math.Floor(size / kalshiPrice)),
		SizeLeg2:   size / polyPrice,
		Profit:     size * netEdge,
		ROI:        netEdge,
		Horizon:    horizon,
		Annualized: annualized,
		RiskTier:   assessment.Tier,
		RiskScore:  assessment.Score,
		Warnings:   assessment.Warnings,
		Similarity: pair.Similarity,
		DetectedAt: d.now(),
	}, nil
}

// legFees prices the two legs. The Kalshi leg pays a percentage fee; the
// Polymarket leg pays its percentage plus the fixed blockchain settlement
// cost, regardless of which leg is YES.
func (d *Detector) legFees(dir types.Direction, size float64) (leg1, leg2 float64) {
	kalshiFee := size * d.fees.KalshiFeePct
	polyFee := size*d.fees.PolymarketFeePct + d.fees.BlockchainCostUSD
	if dir == types.BuyYesKalshiNoPoly {
		return kalshiFee, polyFee
	}
	return polyFee, kalshiFee
}

// venuePrices maps (leg1, leg2) onto (kalshi, polymarket) for the direction.
func venuePrices(dir types.Direction, price1, price2 float64) (kalshi, poly float64) {
	if dir == types.BuyYesKalshiNoPoly {
		return price1, price2
	}
	return price2, price1
}

// horizonDays is the whole number of days until the pair resolves, rounded
// up. When the venues disagree the later date governs, since capital stays
// locked until both legs have settled. Zero means no venue reported a date.
func (d *Detector) horizonDays(pair types.PairedEvent) int {
	res := pair.Kalshi.ResolutionTime
	if pair.Polymarket.ResolutionTime.After(res) {
		res = pair.Polymarket.ResolutionTime
	}
	if res.IsZero() {
		return 0
	}
	until := res.Sub(d.now())
	if until <= 0 {
		return 0
	}
	return int(math.Ceil(until.Hours() / 24))
}
