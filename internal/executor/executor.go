// Package executor dispatches the two legs of an arbitrage position and
// deals with the failure geometry of cross-venue fills.
//
// Both legs go out in parallel as IOC limit orders. The good outcome is both
// filling, which locks the spread. The dangerous outcome is exactly one
// filling: the position is directional until the filled leg is sold back, so
// the executor immediately places an offsetting sell at the 0.50 mid. Neither
// filling costs nothing but the round trip.
//
// Paper mode produces the same ExecutionResult shape from synthetic fills at
// the detected prices, with no venue I/O at all.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crossarb/internal/config"
	"crossarb/internal/validate"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// unwindPrice is the limit for the offsetting sell when one leg is stranded.
// Selling at the mid bounds the exit loss at half the contract value.
const unwindPrice = 0.50

// Executor routes legs to the right venue client. Safe for concurrent use;
// all state lives in the Position being executed.
type Executor struct {
	kalshi   venue.Client
	poly     venue.Client
	slippage float64
	mode     types.ExecutionMode
	logger   *slog.Logger
}

// New creates an executor. Mode decides paper or live dispatch for the whole
// process lifetime.
func New(kalshi, poly venue.Client, cfg config.TradingConfig, mode types.ExecutionMode, logger *slog.Logger) *Executor {
	return &Executor{
		kalshi:   kalshi,
		poly:     poly,
		slippage: cfg.SlippageTolerance,
		mode:     mode,
		logger:   logger.With("component", "executor"),
	}
}

// legPlan is one side of the dispatch, resolved from the opportunity's
// direction.
type legPlan struct {
	client venue.Client
	venue  types.Venue
	market string
	side   types.MarketSide
	qty    float64
	quoted float64
}

// plan maps the opportunity's direction onto venue-addressed legs. Leg 1 is
// always the YES side, leg 2 the NO side; the Kalshi leg trades whole
// contracts, the Polymarket leg fractional tokens.
func (e *Executor) plan(opp *types.Opportunity) (leg1, leg2 legPlan) {
	kalshiLeg := legPlan{
		client: e.kalshi,
		venue:  types.VenueKalshi,
		market: opp.KalshiID,
		qty:    float64(opp.Contracts),
	}
	polyLeg := legPlan{
		client: e.poly,
		venue:  types.VenuePolymarket,
		market: opp.PolyID,
		qty:    opp.SizeLeg2,
	}

	if opp.Direction == types.BuyYesKalshiNoPoly {
		kalshiLeg.side, polyLeg.side = types.SideYes, types.SideNo
		kalshiLeg.quoted, polyLeg.quoted = opp.PriceLeg1, opp.PriceLeg2
		return kalshiLeg, polyLeg
	}
	polyLeg.side, kalshiLeg.side = types.SideYes, types.SideNo
	polyLeg.quoted, kalshiLeg.quoted = opp.PriceLeg1, opp.PriceLeg2
	return polyLeg, kalshiLeg
}

// Execute runs one allocated position to a terminal ExecStatus. It mutates
// the position's leg fields and state as the dispatch progresses; capital
// release stays with the caller, which owns the ledger.
func (e *Executor) Execute(ctx context.Context, pos *types.Position) types.ExecutionResult {
	opp := pos.Opportunity
	if err := validate.SizeUSD(opp.Size); err != nil {
		pos.State = types.PositionFailed
		e.logger.Error("refusing to dispatch", "position", pos.ID, "error", err)
		return types.ExecutionResult{
			PositionID: pos.ID,
			Status:     types.ExecFailed,
			Error:      err.Error(),
			Mode:       e.mode,
			ExecutedAt: time.Now(),
		}
	}
	plan1, plan2 := e.plan(opp)

	e.logger.Info("executing position",
		"position", pos.ID,
		"question", opp.Question,
		"direction", opp.Direction.Describe(),
		"mode", e.mode,
	)

	if e.mode == types.ModePaper {
		return e.paper(pos, plan1, plan2)
	}
	return e.live(ctx, pos, plan1, plan2)
}

// paper fabricates a both-filled result at the detected prices.
func (e *Executor) paper(pos *types.Position, plan1, plan2 legPlan) types.ExecutionResult {
	leg1 := types.LegResult{
		Venue:   plan1.venue,
		Market:  plan1.market,
		Side:    plan1.side,
		OrderID: "paper-" + uuid.NewString(),
		Filled:  true,
		Price:   plan1.quoted,
		Qty:     plan1.qty,
	}
	leg2 := types.LegResult{
		Venue:   plan2.venue,
		Market:  plan2.market,
		Side:    plan2.side,
		OrderID: "paper-" + uuid.NewString(),
		Filled:  true,
		Price:   plan2.quoted,
		Qty:     plan2.qty,
	}

	pos.Leg1OrderID, pos.Leg2OrderID = leg1.OrderID, leg2.OrderID
	pos.Leg1Filled, pos.Leg2Filled = true, true
	pos.State = types.PositionBothFilled

	e.logger.Info("paper fill",
		"position", pos.ID,
		"leg1", leg1.OrderID,
		"leg2", leg2.OrderID,
	)
	return types.ExecutionResult{
		PositionID: pos.ID,
		Status:     types.ExecBothFilled,
		Success:    true,
		Leg1:       leg1,
		Leg2:       leg2,
		ActualCost: leg1.Qty*leg1.Price + leg2.Qty*leg2.Price,
		Mode:       types.ModePaper,
		ExecutedAt: time.Now(),
	}
}

// live places both legs in parallel and resolves the outcome.
func (e *Executor) live(ctx context.Context, pos *types.Position, plan1, plan2 legPlan) types.ExecutionResult {
	pos.State = types.PositionPlaced

	var leg1, leg2 types.LegResult
	var g errgroup.Group
	g.Go(func() error {
		leg1 = e.placeLeg(ctx, plan1)
		return nil
	})
	g.Go(func() error {
		leg2 = e.placeLeg(ctx, plan2)
		return nil
	})
	_ = g.Wait()

	pos.Leg1OrderID, pos.Leg1Filled = leg1.OrderID, leg1.Filled
	pos.Leg2OrderID, pos.Leg2Filled = leg2.OrderID, leg2.Filled

	result := types.ExecutionResult{
		PositionID: pos.ID,
		Leg1:       leg1,
		Leg2:       leg2,
		Mode:       types.ModeLive,
		ExecutedAt: time.Now(),
	}

	switch {
	case leg1.Filled && leg2.Filled:
		pos.State = types.PositionBothFilled
		result.Status = types.ExecBothFilled
		result.Success = true
		result.ActualCost = leg1.Qty*leg1.Price + leg2.Qty*leg2.Price
		e.logger.Info("both legs filled",
			"position", pos.ID,
			"cost", result.ActualCost,
		)

	case leg1.Filled || leg2.Filled:
		pos.State = types.PositionUnwinding
		filled, filledPlan := leg1, plan1
		if leg2.Filled {
			filled, filledPlan = leg2, plan2
		}
		result.Error = legErrors(leg1, leg2)
		result.ActualCost = filled.Qty * filled.Price

		e.logger.Warn("single leg filled, unwinding",
			"position", pos.ID,
			"venue", filled.Venue,
			"qty", filled.Qty,
		)
		if err := e.unwind(ctx, filledPlan, filled.Qty); err != nil {
			result.Status = types.ExecUnwindFailed
			result.Error = result.Error + "; unwind: " + err.Error()
			e.logger.Error("unwind failed, directional exposure remains",
				"position", pos.ID,
				"venue", filled.Venue,
				"qty", filled.Qty,
				"error", err,
			)
		} else {
			result.Status = types.ExecUnwound
			result.ActualCost = 0
			e.logger.Info("leg unwound", "position", pos.ID, "venue", filled.Venue)
		}

	default:
		pos.State = types.PositionFailed
		result.Status = types.ExecFailed
		result.Error = legErrors(leg1, leg2)
		e.logger.Warn("both legs failed", "position", pos.ID, "error", result.Error)
	}

	return result
}

// placeLeg submits one IOC limit order. Errors land in the LegResult, never
// escape; the caller needs both legs' outcomes to pick the recovery path.
func (e *Executor) placeLeg(ctx context.Context, plan legPlan) types.LegResult {
	leg := types.LegResult{
		Venue:  plan.venue,
		Market: plan.market,
		Side:   plan.side,
		Qty:    plan.qty,
		Price:  capPrice(plan.quoted * (1 + e.slippage)),
	}

	res, err := plan.client.PlaceOrder(ctx, venue.OrderRequest{
		Market:     plan.market,
		Side:       plan.side,
		Action:     types.ActionBuy,
		Qty:        plan.qty,
		LimitPrice: leg.Price,
		TIF:        types.TifIOC,
	})
	if err != nil {
		leg.Error = err.Error()
		return leg
	}

	leg.OrderID = res.OrderID
	leg.Filled = res.Status == types.OrderFilled
	if res.FilledQty > 0 {
		leg.Qty = res.FilledQty
	}
	if res.AvgPrice > 0 {
		leg.Price = res.AvgPrice
	}
	if !leg.Filled {
		leg.Error = "order not filled: status " + string(res.Status)
	}
	return leg
}

// unwind sells the stranded leg back at the mid. Same market, same side,
// filled quantity.
func (e *Executor) unwind(ctx context.Context, plan legPlan, qty float64) error {
	res, err := plan.client.PlaceOrder(ctx, venue.OrderRequest{
		Market:     plan.market,
		Side:       plan.side,
		Action:     types.ActionSell,
		Qty:        qty,
		LimitPrice: unwindPrice,
		TIF:        types.TifIOC,
	})
	if err != nil {
		return err
	}
	if res.Status != types.OrderFilled {
		return &unwindError{status: res.Status}
	}
	return nil
}

type unwindError struct {
	status types.OrderStatus
}

func (u *unwindError) Error() string {
	return "offset order not filled: status " + string(u.status)
}

// CheckOrderStatus reports whether an order is fully filled on the named
// venue. Used at startup to reconcile positions that were in flight when the
// previous process stopped. (false, nil) means the venue no longer knows the
// order.
func (e *Executor) CheckOrderStatus(ctx context.Context, v types.Venue, orderID string) (bool, error) {
	client := e.kalshi
	if v == types.VenuePolymarket {
		client = e.poly
	}
	st, err := client.OrderStatus(ctx, orderID)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}
	return st.Status == types.OrderFilled, nil
}

// legErrors concatenates the per-leg failures for the journal row.
func legErrors(leg1, leg2 types.LegResult) string {
	var parts []string
	if leg1.Error != "" {
		parts = append(parts, "leg1 "+string(leg1.Venue)+": "+leg1.Error)
	}
	if leg2.Error != "" {
		parts = append(parts, "leg2 "+string(leg2.Venue)+": "+leg2.Error)
	}
	return strings.Join(parts, "; ")
}

// capPrice keeps a slippage-adjusted limit inside the tradable band.
func capPrice(p float64) float64 {
	if p > 0.99 {
		return 0.99
	}
	return p
}
