// Package journal is the durable record of everything the bot detects and
// does: opportunities, trade outcomes, and periodic balance snapshots.
//
// Storage is a single SQLite file (modernc.org/sqlite, pure Go). Every row
// carries an execution_mode so paper and live analytics never mix; every
// read is filtered on it. The journal is append-only except for the
// opportunity status flip that accompanies each trade, which happens in the
// same transaction as the trade insert.
//
// Write failures are returned to the caller and treated as fatal there:
// running on without a journal would silently diverge from the record.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"crossarb/pkg/types"
)

// Opportunity row statuses.
const (
	StatusDetected = "detected"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
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
    execution_mode  TEXT    NOT NULL DEFAULT 'paper',
    detected_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id    TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    success        INTEGER NOT NULL DEFAULT 0,
    leg1_venue     TEXT    NOT NULL DEFAULT '',
    leg1_market    TEXT    NOT NULL DEFAULT '',
    leg1_side      TEXT    NOT NULL DEFAULT '',
    leg1_order_id  TEXT    NOT NULL DEFAULT '',
    leg1_filled    INTEGER NOT NULL DEFAULT 0,
    leg1_price     REAL    NOT NULL DEFAULT 0,
    leg1_qty       REAL    NOT NULL DEFAULT 0,
    leg1_error     TEXT    NOT NULL DEFAULT '',
    leg2_venue     TEXT    NOT NULL DEFAULT '',
    leg2_market    TEXT    NOT NULL DEFAULT '',
    leg2_side      TEXT    NOT NULL DEFAULT '',
    leg2_order_id  TEXT    NOT NULL DEFAULT '',
    leg2_filled    INTEGER NOT NULL DEFAULT 0,
    leg2_price     REAL    NOT NULL DEFAULT 0,
    leg2_qty       REAL    NOT NULL DEFAULT 0,
    leg2_error     TEXT    NOT NULL DEFAULT '',
    actual_cost    REAL    NOT NULL DEFAULT 0,
    pnl            REAL    NOT NULL DEFAULT 0,
    error          TEXT    NOT NULL DEFAULT '',
    execution_mode TEXT    NOT NULL DEFAULT 'paper',
    created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_snapshots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    balance_kalshi     REAL    NOT NULL DEFAULT 0,
    balance_polymarket REAL    NOT NULL DEFAULT 0,
    locked_capital     REAL    NOT NULL DEFAULT 0,
    open_positions     INTEGER NOT NULL DEFAULT 0,
    realized_pnl       REAL    NOT NULL DEFAULT 0,
    daily_pnl          REAL    NOT NULL DEFAULT 0,
    execution_mode     TEXT    NOT NULL DEFAULT 'paper',
    snapshot_at        DATETIME NOT NULL
);
`

// migratedTables are probed for the execution_mode column on startup, so a
// database created before mode partitioning upgrades in place with legacy
// rows defaulting to paper.
var migratedTables = []string{"opportunities", "trades", "balance_snapshots"}

// Journal wraps the single process-wide database handle.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path, applies the schema, and runs
// pending migrations. The parent directory is created if missing.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	// SQLite is single-writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	j := &Journal{db: db, logger: logger.With("component", "journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// NewWithDB wraps an existing handle without touching the schema. Used by
// tests that inject a mock connection.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Journal {
	return &Journal{db: db, logger: logger.With("component", "journal")}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// migrate adds execution_mode to legacy tables and builds the mode indices.
// Idempotent: probing PRAGMA table_info makes re-runs no-ops.
func (j *Journal) migrate() error {
	for _, table := range migratedTables {
		has, err := j.hasColumn(table, "execution_mode")
		if err != nil {
			return fmt.Errorf("probe %s: %w", table, err)
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN execution_mode TEXT NOT NULL DEFAULT 'paper'`, table)
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("add execution_mode to %s: %w", table, err)
		}
		j.logger.Info("migrated table to mode partitioning", "table", table)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_opportunities_mode_detected ON opportunities(execution_mode, detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_mode_created ON trades(execution_mode, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_mode_at ON balance_snapshots(execution_mode, snapshot_at DESC)`,
	}
	for _, stmt := range indices {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (j *Journal) hasColumn(table, column string) (bool, error) {
	rows, err := j.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// SaveOpportunity persists a detected opportunity under the given position
// id with status "detected".
func (j *Journal) SaveOpportunity(ctx context.Context, opp *types.Opportunity, positionID string, mode types.ExecutionMode) error {
	warnings := opp.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warnJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO opportunities
			(position_id, kalshi_id, polymarket_id, question, direction,
			 price_leg1, price_leg2, spread, gross_edge, net_edge,
			 size_usd, contracts, size_leg2, expected_profit, horizon_days,
			 annualized_roi, risk_tier, risk_score, warnings, similarity,
			 status, execution_mode, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		positionID, opp.KalshiID, opp.PolyID, opp.Question, string(opp.Direction),
		opp.PriceLeg1, opp.PriceLeg2, opp.Spread, opp.GrossEdge, opp.NetEdge,
		opp.Size, opp.Contracts, opp.SizeLeg2, opp.Profit, opp.Horizon,
		opp.Annualized, string(opp.RiskTier), opp.RiskScore, string(warnJSON), opp.Similarity,
		StatusDetected, string(mode), opp.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// SaveTrade persists an execution outcome and flips the matching opportunity
// row to executed or failed in the same transaction. pnl is the realized (or
// locked-in) profit the caller attributes to the trade.
func (j *Journal) SaveTrade(ctx context.Context, res types.ExecutionResult, pnl float64) error {
	mode := res.Mode
	if mode == "" {
		mode = types.ModePaper
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	success := 0
	oppStatus := StatusFailed
	if res.Success {
		success = 1
		oppStatus = StatusExecuted
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades
			(position_id, status, success,
			 leg1_venue, leg1_market, leg1_side, leg1_order_id, leg1_filled, leg1_price, leg1_qty, leg1_error,
			 leg2_venue, leg2_market, leg2_side, leg2_order_id, leg2_filled, leg2_price, leg2_qty, leg2_error,
			 actual_cost, pnl, error, execution_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.PositionID, string(res.Status), success,
		string(res.Leg1.Venue), res.Leg1.Market, string(res.Leg1.Side), res.Leg1.OrderID, boolInt(res.Leg1.Filled), res.Leg1.Price, res.Leg1.Qty, res.Leg1.Error,
		string(res.Leg2.Venue), res.Leg2.Market, string(res.Leg2.Side), res.Leg2.OrderID, boolInt(res.Leg2.Filled), res.Leg2.Price, res.Leg2.Qty, res.Leg2.Error,
		res.ActualCost, pnl, res.Error, string(mode), res.ExecutedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE opportunities SET status = ?
		WHERE position_id = ? AND execution_mode = ?`,
		oppStatus, res.PositionID, string(mode),
	); err != nil {
		return fmt.Errorf("update opportunity status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade tx: %w", err)
	}
	return nil
}

// SaveBalanceSnapshot records the portfolio state for the given mode.
func (j *Journal) SaveBalanceSnapshot(ctx context.Context, state types.PortfolioState, mode types.ExecutionMode) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots
			(balance_kalshi, balance_polymarket, locked_capital,
			 open_positions, realized_pnl, daily_pnl, execution_mode, snapshot_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.BalanceKalshi.InexactFloat64(),
		state.BalancePolymarket.InexactFloat64(),
		state.LockedCapital.InexactFloat64(),
		state.OpenPositions,
		state.RealizedPnL.InexactFloat64(),
		state.DailyPnL.InexactFloat64(),
		string(mode),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert balance snapshot: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
