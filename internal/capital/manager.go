// Package capital is the policy gate for opening and closing positions.
//
// The manager owns the process-wide PortfolioState and the map of active
// positions. Every mutation happens under one mutex, so allocation checks
// and the allocations themselves are atomic: two concurrent opportunities
// cannot both pass CanOpen and overdraw the bankroll.
//
// All ledger arithmetic uses decimals. Float math is confined to the
// detector's sizing heuristics; once capital is locked the numbers are exact.
package capital

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Allocation failures. Callers branch with errors.Is.
var (
	ErrMaxPositions        = errors.New("open position limit reached")
	ErrInsufficientCapital = errors.New("insufficient free capital")
	ErrExposureCap         = errors.New("per-event exposure cap exceeded")
	ErrDailyLossLimit      = errors.New("daily loss limit reached")
	ErrUnknownPosition     = errors.New("unknown position id")
)

// Manager guards the bankroll. Safe for concurrent use.
type Manager struct {
	cfg     config.CapitalConfig
	riskCfg config.RiskConfig
	logger  *slog.Logger

	mu        sync.Mutex
	state     types.PortfolioState
	positions map[string]*types.Position
}

// NewManager seeds the ledger with the configured bankroll split across the
// two venues. Live balances overwrite the seed on the first refresh.
func NewManager(cfg config.CapitalConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Manager {
	bankroll := decimal.NewFromFloat(cfg.InitialBankroll)
	kalshi := bankroll.Mul(decimal.NewFromFloat(cfg.KalshiAllocationPct))
	poly := bankroll.Sub(kalshi)

	return &Manager{
		cfg:     cfg,
		riskCfg: riskCfg,
		logger:  logger.With("component", "capital"),
		state: types.PortfolioState{
			BalanceKalshi:     kalshi,
			BalancePolymarket: poly,
			DailyStartBalance: bankroll,
			PeakBalance:       bankroll,
			LastUpdated:       time.Now(),
		},
		positions: make(map[string]*types.Position),
	}
}

// CanOpen reports whether a position of the given size may be opened now.
// A nil return means yes; otherwise the error names the violated limit.
func (m *Manager) CanOpen(size decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canOpenLocked(size)
}

func (m *Manager) canOpenLocked(size decimal.Decimal) error {
	if m.state.OpenPositions >= m.riskCfg.MaxOpenPositions {
		return fmt.Errorf("%w: %d open", ErrMaxPositions, m.state.OpenPositions)
	}

	total := m.state.TotalBalance()
	reserve := total.Mul(decimal.NewFromFloat(m.cfg.ReservePct))
	free := total.Sub(m.state.LockedCapital).Sub(reserve)
	if size.GreaterThan(free) {
		return fmt.Errorf("%w: need %s, free %s", ErrInsufficientCapital,
			size.StringFixed(2), free.StringFixed(2))
	}

	maxPerEvent := total.Mul(decimal.NewFromFloat(m.riskCfg.MaxExposurePerEvent))
	if size.GreaterThan(maxPerEvent) {
		return fmt.Errorf("%w: %s > %s", ErrExposureCap,
			size.StringFixed(2), maxPerEvent.StringFixed(2))
	}

	if m.state.DailyStartBalance.IsPositive() {
		lossPct := m.state.DailyPnL.Abs().Div(m.state.DailyStartBalance)
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(m.riskCfg.MaxDailyLossPct)) {
			return fmt.Errorf("%w: daily pnl %s on %s start", ErrDailyLossLimit,
				m.state.DailyPnL.StringFixed(2), m.state.DailyStartBalance.StringFixed(2))
		}
	}

	return nil
}

// Allocate locks capital for a new position. The limit checks and the lock
// happen in one critical section.
func (m *Manager) Allocate(size decimal.Decimal, positionID string, opp *types.Opportunity) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.canOpenLocked(size); err != nil {
		return nil, err
	}

	pos := &types.Position{
		ID:          positionID,
		Opportunity: opp,
		Allocated:   size,
		State:       types.PositionAllocated,
		OpenedAt:    time.Now(),
	}
	m.positions[positionID] = pos
	m.state.LockedCapital = m.state.LockedCapital.Add(size)
	m.state.OpenPositions++
	m.state.LastUpdated = time.Now()

	m.logger.Info("capital allocated",
		"position", positionID,
		"size", size.StringFixed(2),
		"locked", m.state.LockedCapital.StringFixed(2),
		"open", m.state.OpenPositions,
	)
	return pos, nil
}

// Release frees a position's capital and applies its realized PnL to the
// ledger. Venue attribution of the PnL is settled at the next balance
// refresh; until then it is split evenly so the total moves by exactly pnl.
func (m *Manager) Release(positionID string, realizedPnL decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	delete(m.positions, positionID)

	half := realizedPnL.Div(decimal.NewFromInt(2))
	m.state.LockedCapital = m.state.LockedCapital.Sub(pos.Allocated)
	m.state.OpenPositions--
	m.state.RealizedPnL = m.state.RealizedPnL.Add(realizedPnL)
	m.state.DailyPnL = m.state.DailyPnL.Add(realizedPnL)
	m.state.BalanceKalshi = m.state.BalanceKalshi.Add(half)
	m.state.BalancePolymarket = m.state.BalancePolymarket.Add(realizedPnL.Sub(half))
	m.ratchetPeakLocked()
	m.state.LastUpdated = time.Now()

	pos.RealizedPnL = realizedPnL
	pos.State = types.PositionClosed
	pos.ClosedAt = time.Now()

	m.logger.Info("capital released",
		"position", positionID,
		"size", pos.Allocated.StringFixed(2),
		"pnl", realizedPnL.StringFixed(2),
		"open", m.state.OpenPositions,
	)
	return nil
}

// MarkOpen transitions a position into its post-execution state without
// releasing capital. Used when both legs filled (position rides to
// resolution) and when an unwind failed (directional exposure remains).
func (m *Manager) MarkOpen(positionID string, state types.PositionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	pos.State = state
	return nil
}

// UpdateBalances overwrites the per-venue balances with venue-reported
// values. Called after every scan cycle so sizing reflects settled funds.
func (m *Manager) UpdateBalances(kalshi, polymarket decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.BalanceKalshi = kalshi
	m.state.BalancePolymarket = polymarket
	m.ratchetPeakLocked()
	m.state.LastUpdated = time.Now()
}

// ResetDailyMetrics re-anchors the daily baseline at the current balance and
// zeroes the daily PnL. Invoked by the scheduler just past midnight.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.DailyStartBalance = m.state.TotalBalance()
	m.state.DailyPnL = decimal.Zero
	m.state.LastUpdated = time.Now()

	m.logger.Info("daily metrics reset", "baseline", m.state.DailyStartBalance.StringFixed(2))
}

// Available returns the bankroll the detector may size against:
// total minus locked minus the configured reserve.
func (m *Manager) Available() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.state.TotalBalance()
	free := total.Sub(m.state.LockedCapital).Sub(total.Mul(decimal.NewFromFloat(m.cfg.ReservePct)))
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// Snapshot returns a copy of the portfolio state.
func (m *Manager) Snapshot() types.PortfolioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActivePositions returns the active positions in no particular order.
// The slice is fresh but the positions are shared; callers must treat them
// as read-only.
func (m *Manager) ActivePositions() []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// RebalanceTargets surfaces the transfer that would restore the configured
// venue split when drift exceeds the threshold. Transfers are never
// executed; the target is advisory.
func (m *Manager) RebalanceTargets() []types.RebalanceTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.state.TotalBalance()
	if !total.IsPositive() {
		return nil
	}

	targetKalshi := total.Mul(decimal.NewFromFloat(m.cfg.KalshiAllocationPct))
	excess := m.state.BalanceKalshi.Sub(targetKalshi)
	drift, _ := excess.Div(total).Float64()

	if drift < m.cfg.RebalanceThreshold && drift > -m.cfg.RebalanceThreshold {
		return nil
	}

	t := types.RebalanceTarget{Amount: excess.Abs(), DriftPct: drift}
	if excess.IsPositive() {
		t.FromVenue, t.ToVenue = types.VenueKalshi, types.VenuePolymarket
	} else {
		t.FromVenue, t.ToVenue = types.VenuePolymarket, types.VenueKalshi
	}
	return []types.RebalanceTarget{t}
}

func (m *Manager) ratchetPeakLocked() {
	if total := m.state.TotalBalance(); total.GreaterThan(m.state.PeakBalance) {
		m.state.PeakBalance = total
	}
}
