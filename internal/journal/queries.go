package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// OpportunityRecord is one persisted opportunity row.
type OpportunityRecord struct {
	ID         int64               `json:"id"`
	PositionID string              `json:"position_id"`
	KalshiID   string              `json:"kalshi_id"`
	PolyID     string              `json:"polymarket_id"`
	Question   string              `json:"question"`
	Direction  types.Direction     `json:"direction"`
	PriceLeg1  float64             `json:"price_leg1"`
	PriceLeg2  float64             `json:"price_leg2"`
	Spread     float64             `json:"spread"`
	GrossEdge  float64             `json:"gross_edge"`
	NetEdge    float64             `json:"net_edge"`
	Size       float64             `json:"size_usd"`
	Contracts  int                 `json:"contracts"`
	SizeLeg2   float64             `json:"size_leg2"`
	Profit     float64             `json:"expected_profit"`
	Horizon    int                 `json:"horizon_days"`
	Annualized float64             `json:"annualized_roi"`
	RiskTier   types.RiskTier      `json:"risk_tier"`
	RiskScore  float64             `json:"risk_score"`
	Warnings   []string            `json:"warnings,omitempty"`
	Similarity float64             `json:"similarity"`
	Status     string              `json:"status"`
	Mode       types.ExecutionMode `json:"execution_mode"`
	DetectedAt time.Time           `json:"detected_at"`
}

// TradeRecord is one persisted execution outcome.
type TradeRecord struct {
	ID         int64               `json:"id"`
	PositionID string              `json:"position_id"`
	Status     types.ExecStatus    `json:"status"`
	Success    bool                `json:"success"`
	Leg1       types.LegResult     `json:"leg1"`
	Leg2       types.LegResult     `json:"leg2"`
	ActualCost float64             `json:"actual_cost"`
	PnL        float64             `json:"pnl"`
	Error      string              `json:"error,omitempty"`
	Mode       types.ExecutionMode `json:"execution_mode"`
	CreatedAt  time.Time           `json:"created_at"`
}

// BalanceRecord is one persisted balance snapshot.
type BalanceRecord struct {
	BalanceKalshi     float64             `json:"balance_kalshi"`
	BalancePolymarket float64             `json:"balance_polymarket"`
	LockedCapital     float64             `json:"locked_capital"`
	OpenPositions     int                 `json:"open_positions"`
	RealizedPnL       float64             `json:"realized_pnl"`
	DailyPnL          float64             `json:"daily_pnl"`
	Mode              types.ExecutionMode `json:"execution_mode"`
	SnapshotAt        time.Time           `json:"snapshot_at"`
}

const opportunityColumns = `
	id, position_id, kalshi_id, polymarket_id, question, direction,
	price_leg1, price_leg2, spread, gross_edge, net_edge,
	size_usd, contracts, size_leg2, expected_profit, horizon_days,
	annualized_roi, risk_tier, risk_score, warnings, similarity,
	status, execution_mode, detected_at`

// RecentOpportunities returns the newest rows for one mode, newest first.
func (j *Journal) RecentOpportunities(ctx context.Context, limit int, mode types.ExecutionMode) ([]OpportunityRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT`+opportunityColumns+`
		FROM opportunities
		WHERE execution_mode = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`, string(mode), limit)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	var out []OpportunityRecord
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanOpportunity(rows *sql.Rows) (OpportunityRecord, error) {
	var (
		rec        OpportunityRecord
		warnJSON   string
		detectedAt string
	)
	if err := rows.Scan(
		&rec.ID, &rec.PositionID, &rec.KalshiID, &rec.PolyID, &rec.Question, &rec.Direction,
		&rec.PriceLeg1, &rec.PriceLeg2, &rec.Spread, &rec.GrossEdge, &rec.NetEdge,
		&rec.Size, &rec.Contracts, &rec.SizeLeg2, &rec.Profit, &rec.Horizon,
		&rec.Annualized, &rec.RiskTier, &rec.RiskScore, &warnJSON, &rec.Similarity,
		&rec.Status, &rec.Mode, &detectedAt,
	); err != nil {
		return rec, fmt.Errorf("scan opportunity: %w", err)
	}
	if warnJSON != "" {
		if err := json.Unmarshal([]byte(warnJSON), &rec.Warnings); err != nil {
			return rec, fmt.Errorf("decode warnings: %w", err)
		}
	}
	rec.DetectedAt = parseStoredTime(detectedAt)
	return rec, nil
}

// OpenPositions returns trades still carrying exposure for one mode: filled
// pairs riding to resolution and failed unwinds. Used for the dashboard and
// for order-status reconciliation after a restart.
func (j *Journal) OpenPositions(ctx context.Context, mode types.ExecutionMode) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, position_id, status, success,
		       leg1_venue, leg1_market, leg1_side, leg1_order_id, leg1_filled, leg1_price, leg1_qty, leg1_error,
		       leg2_venue, leg2_market, leg2_side, leg2_order_id, leg2_filled, leg2_price, leg2_qty, leg2_error,
		       actual_cost, pnl, error, execution_mode, created_at
		FROM trades
		WHERE execution_mode = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC`,
		string(mode), string(types.ExecBothFilled), string(types.ExecUnwindFailed))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec                  TradeRecord
			succ, l1Fill, l2Fill int
			createdAt            string
		)
		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.Status, &succ,
			&rec.Leg1.Venue, &rec.Leg1.Market, &rec.Leg1.Side, &rec.Leg1.OrderID, &l1Fill, &rec.Leg1.Price, &rec.Leg1.Qty, &rec.Leg1.Error,
			&rec.Leg2.Venue, &rec.Leg2.Market, &rec.Leg2.Side, &rec.Leg2.OrderID, &l2Fill, &rec.Leg2.Price, &rec.Leg2.Qty, &rec.Leg2.Error,
			&rec.ActualCost, &rec.PnL, &rec.Error, &rec.Mode, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		rec.Success = succ == 1
		rec.Leg1.Filled = l1Fill == 1
		rec.Leg2.Filled = l2Fill == 1
		rec.CreatedAt = parseStoredTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PerformanceSummary aggregates one mode over a trailing window of days.
func (j *Journal) PerformanceSummary(ctx context.Context, days int, mode types.ExecutionMode) (types.PerformanceSummary, error) {
	summary := types.PerformanceSummary{PeriodDays: days, Mode: mode}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM opportunities
		WHERE execution_mode = ? AND detected_at >= ?`,
		string(mode), cutoff,
	).Scan(&summary.Opportunities)
	if err != nil {
		return summary, fmt.Errorf("count opportunities: %w", err)
	}

	var pnl, volume float64
	err = j.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(pnl), 0), COALESCE(SUM(actual_cost), 0)
		FROM trades
		WHERE execution_mode = ? AND created_at >= ?`,
		string(mode), cutoff,
	).Scan(&summary.Trades, &summary.Wins, &pnl, &volume)
	if err != nil {
		return summary, fmt.Errorf("aggregate trades: %w", err)
	}

	summary.Losses = summary.Trades - summary.Wins
	if summary.Trades > 0 {
		summary.WinRate = float64(summary.Wins) / float64(summary.Trades)
	}
	summary.TotalPnL = decimal.NewFromFloat(pnl)
	summary.TotalVolume = decimal.NewFromFloat(volume)
	return summary, nil
}

// LatestBalance returns the most recent snapshot for one mode, or nil when
// the mode has no snapshots yet.
func (j *Journal) LatestBalance(ctx context.Context, mode types.ExecutionMode) (*BalanceRecord, error) {
	var (
		rec        BalanceRecord
		snapshotAt string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT balance_kalshi, balance_polymarket, locked_capital,
		       open_positions, realized_pnl, daily_pnl, execution_mode, snapshot_at
		FROM balance_snapshots
		WHERE execution_mode = ?
		ORDER BY snapshot_at DESC, id DESC
		LIMIT 1`, string(mode),
	).Scan(
		&rec.BalanceKalshi, &rec.BalancePolymarket, &rec.LockedCapital,
		&rec.OpenPositions, &rec.RealizedPnL, &rec.DailyPnL, &rec.Mode, &snapshotAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest balance: %w", err)
	}
	rec.SnapshotAt = parseStoredTime(snapshotAt)
	return &rec, nil
}

// storedTimeLayouts are the formats the driver may hand back for DATETIME
// columns, most specific first.
var storedTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseStoredTime(s string) time.Time {
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
