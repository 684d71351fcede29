package journal

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"crossarb/pkg/types"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleOpportunity(detectedAt time.Time) *types.Opportunity {
	return &types.Opportunity{
		KalshiID:   "FED-26DEC",
		PolyID:     "0xfedcut",
		Question:   "Will the Fed cut rates in December?",
		Direction:  types.BuyYesKalshiNoPoly,
		PriceLeg1:  0.45,
		PriceLeg2:  0.46,
		Spread:     0.91,
		GrossEdge:  0.09,
		FeeLeg1:    3.5,
		FeeLeg2:    15,
		NetEdge:    0.053,
		Size:       500,
		Contracts:  1111,
		SizeLeg2:   1086.96,
		Profit:     26.5,
		ROI:        0.053,
		Horizon:    12,
		Annualized: 1.61,
		RiskTier:   types.RiskLow,
		RiskScore:  0.10,
		Warnings:   []string{"polymarket leg carries venue risk"},
		Similarity: 0.97,
		DetectedAt: detectedAt,
	}
}

func sampleResult(positionID string, status types.ExecStatus, success bool, mode types.ExecutionMode) types.ExecutionResult {
	return types.ExecutionResult{
		PositionID: positionID,
		Status:     status,
		Success:    success,
		Leg1: types.LegResult{
			Venue:   types.VenueKalshi,
			Market:  "FED-26DEC",
			Side:    types.SideYes,
			OrderID: "k-ord-1",
			Filled:  true,
			Price:   0.45,
			Qty:     1111,
		},
		Leg2: types.LegResult{
			Venue:   types.VenuePolymarket,
			Market:  "0xfedcut",
			Side:    types.SideNo,
			OrderID: "p-ord-1",
			Filled:  success,
			Price:   0.46,
			Qty:     1086.96,
		},
		ActualCost: 999.87,
		Mode:       mode,
		ExecutedAt: time.Now().UTC(),
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Re-opening an existing database re-runs schema and migration as no-ops.
	j, err = Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Close())
}

func TestSaveAndReadOpportunity(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	detectedAt := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	opp := sampleOpportunity(detectedAt)
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-1", types.ModePaper))

	got, err := j.RecentOpportunities(ctx, 10, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, got, 1)

	rec := got[0]
	require.Equal(t, "pos-1", rec.PositionID)
	require.Equal(t, opp.Question, rec.Question)
	require.Equal(t, types.BuyYesKalshiNoPoly, rec.Direction)
	require.Equal(t, types.RiskLow, rec.RiskTier)
	require.Equal(t, StatusDetected, rec.Status)
	require.Equal(t, types.ModePaper, rec.Mode)
	require.Equal(t, opp.Warnings, rec.Warnings)
	require.InDelta(t, opp.NetEdge, rec.NetEdge, 1e-9)
	require.True(t, rec.DetectedAt.Equal(detectedAt), "detected_at = %s, want %s", rec.DetectedAt, detectedAt)
}

func TestModeIsolation(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	// Identical payloads, opposite modes.
	opp := sampleOpportunity(time.Now().UTC())
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-paper", types.ModePaper))
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-live", types.ModeLive))

	paper, err := j.RecentOpportunities(ctx, 10, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, paper, 1)
	require.Equal(t, types.ModePaper, paper[0].Mode)
	require.Equal(t, "pos-paper", paper[0].PositionID)

	live, err := j.RecentOpportunities(ctx, 10, types.ModeLive)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, types.ModeLive, live[0].Mode)
	require.Equal(t, "pos-live", live[0].PositionID)
}

func TestSaveTradeFlipsOpportunityStatus(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	opp := sampleOpportunity(time.Now().UTC())
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-win", types.ModePaper))
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-lose", types.ModePaper))

	win := sampleResult("pos-win", types.ExecBothFilled, true, types.ModePaper)
	require.NoError(t, j.SaveTrade(ctx, win, 26.5))

	lose := sampleResult("pos-lose", types.ExecFailed, false, types.ModePaper)
	require.NoError(t, j.SaveTrade(ctx, lose, 0))

	recs, err := j.RecentOpportunities(ctx, 10, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byPos := map[string]string{}
	for _, r := range recs {
		byPos[r.PositionID] = r.Status
	}
	require.Equal(t, StatusExecuted, byPos["pos-win"])
	require.Equal(t, StatusFailed, byPos["pos-lose"])
}

func TestSaveTradeDoesNotTouchOtherMode(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	// Same position id in both modes; only the live row may flip.
	opp := sampleOpportunity(time.Now().UTC())
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-1", types.ModePaper))
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-1", types.ModeLive))

	res := sampleResult("pos-1", types.ExecBothFilled, true, types.ModeLive)
	require.NoError(t, j.SaveTrade(ctx, res, 26.5))

	paper, err := j.RecentOpportunities(ctx, 10, types.ModePaper)
	require.NoError(t, err)
	require.Equal(t, StatusDetected, paper[0].Status)

	live, err := j.RecentOpportunities(ctx, 10, types.ModeLive)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, live[0].Status)
}

func TestOpenPositionsFiltersTerminalStates(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.SaveTrade(ctx, sampleResult("pos-filled", types.ExecBothFilled, true, types.ModePaper), 10))
	require.NoError(t, j.SaveTrade(ctx, sampleResult("pos-unwound", types.ExecUnwound, false, types.ModePaper), -2))
	require.NoError(t, j.SaveTrade(ctx, sampleResult("pos-stuck", types.ExecUnwindFailed, false, types.ModePaper), 0))
	require.NoError(t, j.SaveTrade(ctx, sampleResult("pos-failed", types.ExecFailed, false, types.ModePaper), 0))

	open, err := j.OpenPositions(ctx, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 2)

	ids := map[string]bool{}
	for _, tr := range open {
		ids[tr.PositionID] = true
	}
	require.True(t, ids["pos-filled"], "both_filled rides to resolution")
	require.True(t, ids["pos-stuck"], "failed unwind still carries exposure")
}

func TestPerformanceSummary(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	opp := sampleOpportunity(time.Now().UTC())
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-1", types.ModePaper))
	require.NoError(t, j.SaveOpportunity(ctx, opp, "pos-2", types.ModePaper))

	w1 := sampleResult("pos-1", types.ExecBothFilled, true, types.ModePaper)
	w1.ActualCost = 100
	require.NoError(t, j.SaveTrade(ctx, w1, 10))

	w2 := sampleResult("pos-2", types.ExecBothFilled, true, types.ModePaper)
	w2.ActualCost = 200
	require.NoError(t, j.SaveTrade(ctx, w2, 5))

	l1 := sampleResult("pos-3", types.ExecUnwound, false, types.ModePaper)
	l1.ActualCost = 50
	require.NoError(t, j.SaveTrade(ctx, l1, -3))

	// Live rows must not leak into the paper summary.
	require.NoError(t, j.SaveTrade(ctx, sampleResult("pos-4", types.ExecBothFilled, true, types.ModeLive), 99))

	sum, err := j.PerformanceSummary(ctx, 30, types.ModePaper)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Opportunities)
	require.Equal(t, 3, sum.Trades)
	require.Equal(t, 2, sum.Wins)
	require.Equal(t, 1, sum.Losses)
	require.InDelta(t, 2.0/3.0, sum.WinRate, 1e-9)
	require.True(t, sum.TotalPnL.Equal(usd(12)), "pnl = %s", sum.TotalPnL)
	require.True(t, sum.TotalVolume.Equal(usd(350)), "volume = %s", sum.TotalVolume)
}

func TestLatestBalance(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	ctx := context.Background()

	rec, err := j.LatestBalance(ctx, types.ModePaper)
	require.NoError(t, err)
	require.Nil(t, rec, "no snapshots yet")

	first := types.PortfolioState{
		BalanceKalshi:     usd(50000),
		BalancePolymarket: usd(50000),
	}
	require.NoError(t, j.SaveBalanceSnapshot(ctx, first, types.ModePaper))

	second := types.PortfolioState{
		BalanceKalshi:     usd(48000),
		BalancePolymarket: usd(51000),
		OpenPositions:     2,
	}
	require.NoError(t, j.SaveBalanceSnapshot(ctx, second, types.ModePaper))

	rec, err = j.LatestBalance(ctx, types.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.InDelta(t, 48000, rec.BalanceKalshi, 1e-9)
	require.InDelta(t, 51000, rec.BalancePolymarket, 1e-9)
	require.Equal(t, 2, rec.OpenPositions)

	live, err := j.LatestBalance(ctx, types.ModeLive)
	require.NoError(t, err)
	require.Nil(t, live, "live snapshots are isolated from paper")
}

// legacySchema mirrors the pre-partitioning layout: identical columns minus
// execution_mode.
const legacySchema = `
CREATE TABLE opportunities (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id     TEXT    NOT NULL,
    kalshi_id       TEXT    NOT NULL,
    polymarket_id   TEXT    NOT NULL,
    question        TEXT    NOT NULL,
    direction       TEXT    NOT NULL,
    price_leg1      REAL    NOT NULL DEFAULT 0,
    price_leg2      REAL    NOT NULL DEFAULT 0,
    spread          REAL    NOT NULL DEFAULT 0,
    gross_edge      REAL    NOT NULL DEFAULT 0,
    net_edge        REAL    NOT NULL DEFAULT 0,
    size_usd        REAL    NOT NULL DEFAULT 0,
    contracts       INTEGER NOT NULL DEFAULT 0,
    size_leg2       REAL    NOT NULL DEFAULT 0,
    expected_profit REAL    NOT NULL DEFAULT 0,
    horizon_days    INTEGER NOT NULL DEFAULT 0,
    annualized_roi  REAL    NOT NULL DEFAULT 0,
    risk_tier       TEXT    NOT NULL DEFAULT '',
    risk_score      REAL    NOT NULL DEFAULT 0,
    warnings        TEXT    NOT NULL DEFAULT '[]',
    similarity      REAL    NOT NULL DEFAULT 0,
    status          TEXT    NOT NULL DEFAULT 'detected',
    detected_at     DATETIME NOT NULL
);
`

func TestMigrationAddsModeToLegacySchema(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a pre-partitioning database with one row.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(legacySchema)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO opportunities
			(position_id, kalshi_id, polymarket_id, question, direction, detected_at)
		VALUES ('pos-legacy', 'K-1', '0x1', 'Will it happen?', 'yes_kalshi_no_poly', ?)`,
		time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	// The legacy row surfaces under paper mode.
	recs, err := j.RecentOpportunities(context.Background(), 10, types.ModePaper)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "pos-legacy", recs[0].PositionID)
	require.Equal(t, types.ModePaper, recs[0].Mode)
}

func TestSaveOpportunityWriteFailure(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO opportunities").WillReturnError(errors.New("disk I/O error"))

	j := NewWithDB(db, testLogger())
	err = j.SaveOpportunity(context.Background(), sampleOpportunity(time.Now()), "pos-1", types.ModePaper)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTradeRollsBackWhenStatusUpdateFails(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE opportunities").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	j := NewWithDB(db, testLogger())
	err = j.SaveTrade(context.Background(), sampleResult("pos-1", types.ExecBothFilled, true, types.ModePaper), 10)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
