// Package engine drives the scan cycle and owns every long-lived component.
//
// One tick, every poll interval:
//
//  1. Circuit-breaker check against the current portfolio. A halt ends the
//     run; the breaker latches until a manual reset.
//  2. Catalogue fetch from both venues in parallel. An empty catalogue on
//     either side skips the tick.
//  3. Cross-venue pairing of equivalent markets.
//  4. Four quotes per pair, fetched in parallel and recorded in the quote
//     cache.
//  5. Detection against the bankroll available for new positions.
//  6. The top opportunities by expected profit are journaled, alerted, and,
//     when execution is on, allocated and dispatched.
//
// Ticks never overlap: a slow tick delays the next one. Scheduled jobs
// (balance refresh, balance snapshot, daily summary, daily reset) run on
// their own goroutine and share the capital manager and the journal.
//
// Lifecycle: New() → Run(ctx) → [runs until cancel or halt] → Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"crossarb/internal/alert"
	"crossarb/internal/api"
	"crossarb/internal/capital"
	"crossarb/internal/config"
	"crossarb/internal/executor"
	"crossarb/internal/journal"
	"crossarb/internal/market"
	"crossarb/internal/match"
	"crossarb/internal/metrics"
	"crossarb/internal/risk"
	"crossarb/internal/strategy"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	// catalogueLimit caps the per-venue market fetch each tick.
	catalogueLimit = 100
	// maxPerTick bounds how many opportunities one tick acts on.
	maxPerTick = 5
	// recentKeep is the size of the in-memory opportunity ring served to
	// the dashboard.
	recentKeep = 50
	// pairConcurrency bounds the per-pair quote fan-out.
	pairConcurrency = 16

	balanceEvery  = 5 * time.Minute
	snapshotEvery = 15 * time.Minute
)

// Engine orchestrates the arbitrage bot. All cross-component state lives in
// the components themselves; the engine adds only the recent-opportunity
// ring and the running flag.
type Engine struct {
	cfg      config.Config
	state    *config.State
	kalshi   venue.Client
	poly     venue.Client
	matcher  *match.Matcher
	detector *strategy.Detector
	capital  *capital.Manager
	breaker  *risk.Breaker
	exec     *executor.Executor
	journal  *journal.Journal
	notifier *alert.Notifier
	quotes   *market.QuoteCache
	server   *api.Server
	logger   *slog.Logger

	mode types.ExecutionMode

	mu      sync.RWMutex
	recent  []types.Opportunity
	running bool

	now func() time.Time
}

// New wires all components. The execution mode is fixed for the process
// lifetime from the runtime state document; flipping paper_trading requires
// a restart so paper and live dispatch never mix inside one run.
func New(cfg config.Config, st *config.State, creds alert.Credentials, logger *slog.Logger) (*Engine, error) {
	mode := types.ModeLive
	if st.PaperTrading() {
		mode = types.ModePaper
	}
	paper := mode == types.ModePaper

	kalshi, err := venue.NewKalshi(cfg.Kalshi, paper, logger)
	if err != nil {
		return nil, fmt.Errorf("kalshi client: %w", err)
	}
	poly, err := venue.NewPolymarket(cfg.Polymarket, paper, logger)
	if err != nil {
		return nil, fmt.Errorf("polymarket client: %w", err)
	}

	dbPath, err := cfg.Database.SQLitePath()
	if err != nil {
		return nil, err
	}
	jnl, err := journal.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	mgr := capital.NewManager(cfg.Capital, cfg.Risk, logger)
	analyzer := risk.NewAnalyzer(logger)

	e := &Engine{
		cfg:      cfg,
		state:    st,
		kalshi:   kalshi,
		poly:     poly,
		matcher:  match.NewMatcher(match.DefaultThreshold, match.DefaultDateTolerance, logger),
		detector: strategy.NewDetector(cfg.Trading, cfg.Fees, cfg.Capital, analyzer, logger),
		capital:  mgr,
		breaker:  risk.NewBreaker(cfg.Risk, mgr.Snapshot().TotalBalance(), logger),
		exec:     executor.New(kalshi, poly, cfg.Trading, mode, logger),
		journal:  jnl,
		notifier: alert.New(cfg.Monitoring, creds, logger),
		quotes:   market.NewQuoteCache(),
		logger:   logger.With("component", "engine"),
		mode:     mode,
		now:      time.Now,
	}

	if cfg.Dashboard.Enabled {
		e.server = api.NewServer(cfg, e, logger)
	}

	logger.Info("engine initialized",
		"mode", mode,
		"auto_execute", st.AutoExecute(),
		"alert_channels", e.notifier.Channels(),
		"dashboard", cfg.Dashboard.Enabled,
	)
	return e, nil
}

// Run executes the main loop until ctx is cancelled or the circuit breaker
// halts trading. A halt returns an error wrapping risk.ErrHalted.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.notifier.Test(ctx); err != nil {
		e.logger.Warn("alert probe failed", "error", err)
	} else {
		e.logger.Info("alert channels connected", "channels", e.notifier.Channels())
	}

	e.reconcile(ctx)
	e.refreshBalances(ctx)

	if e.server != nil {
		go func() {
			if err := e.server.Start(ctx); err != nil {
				e.logger.Error("dashboard server failed", "error", err)
			}
		}()
	}
	go e.runJobs(ctx)
	go e.watchState(ctx)

	e.setRunning(true)
	defer e.setRunning(false)

	interval := e.cfg.Polling.Interval()
	e.logger.Info("main loop starting", "interval", interval, "mode", e.mode)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := e.tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, risk.ErrHalted):
			return err
		default:
			// Only persistence failures escape the tick; a bot that
			// cannot record what it does must not keep trading.
			e.notifier.Error(ctx, "Engine Fatal", err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases resources after Run returns. In-flight venue orders are
// left alone; the next startup reconciles them from the journal.
func (e *Engine) Close() error {
	if e.server != nil {
		if err := e.server.Stop(); err != nil {
			e.logger.Error("dashboard shutdown failed", "error", err)
		}
	}
	return e.journal.Close()
}

// tick runs one full scan cycle.
func (e *Engine) tick(ctx context.Context) error {
	metrics.RecordTick()

	snap := e.capital.Snapshot()
	if err := e.breaker.Check(snap.TotalBalance(), snap.DailyPnL); err != nil {
		metrics.UpdateBreaker(true)
		e.logger.Error("trading halted", "error", err)
		e.notifier.Halt(ctx, err.Error())
		e.broadcast(api.NewHaltEvent(err.Error(), e.breaker.Snapshot()))
		return err
	}
	metrics.UpdateBreaker(false)

	var kalshiListings, polyListings []types.Listing
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		kalshiListings, err = e.kalshi.ListMarkets(gctx, catalogueLimit, "open")
		return err
	})
	g.Go(func() error {
		var err error
		polyListings, err = e.poly.ListMarkets(gctx, catalogueLimit, "open")
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.RecordListings(types.VenueKalshi, len(kalshiListings))
	metrics.RecordListings(types.VenuePolymarket, len(polyListings))

	if len(kalshiListings) == 0 || len(polyListings) == 0 {
		e.logger.Warn("empty catalogue, skipping tick",
			"kalshi", len(kalshiListings),
			"polymarket", len(polyListings),
		)
		return nil
	}

	pairs := e.matcher.Pairs(kalshiListings, polyListings)
	metrics.RecordPairs(len(pairs))
	if len(pairs) == 0 {
		e.logger.Info("no cross-venue pairs")
		return nil
	}

	opps, err := e.scanPairs(ctx, pairs)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		e.logger.Info("no profitable opportunities", "pairs", len(pairs))
		return nil
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].Profit > opps[j].Profit })
	if len(opps) > maxPerTick {
		opps = opps[:maxPerTick]
	}

	for i := range opps {
		if err := e.handleOpportunity(ctx, opps[i]); err != nil {
			return err
		}
	}
	return nil
}

// scanPairs fetches quotes for every pair in parallel, then runs detection
// against one bankroll snapshot.
func (e *Engine) scanPairs(ctx context.Context, pairs []types.PairedEvent) ([]types.Opportunity, error) {
	type scanned struct {
		kalshi types.Quote
		poly   types.Quote
	}
	quotes := make([]scanned, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pairConcurrency)
	for i := range pairs {
		i := i
		g.Go(func() error {
			kq, pq, err := e.fetchQuotes(gctx, pairs[i])
			if err != nil {
				return err
			}
			quotes[i] = scanned{kalshi: kq, poly: pq}
			e.quotes.Put(pairs[i], kq, pq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bankroll := e.capital.Available().InexactFloat64()

	var opps []types.Opportunity
	for i := range pairs {
		opp, rejections := e.detector.Evaluate(pairs[i], quotes[i].kalshi, quotes[i].poly, bankroll)
		for _, rej := range rejections {
			metrics.RecordRejection(rej.Reason)
		}
		if opp != nil {
			metrics.RecordOpportunity()
			opps = append(opps, *opp)
		}
	}
	return opps, nil
}

// fetchQuotes pulls the four prices of one pair in parallel. A failed side
// is left at zero so the detector rejects the direction; only context
// cancellation aborts the scan.
func (e *Engine) fetchQuotes(ctx context.Context, pair types.PairedEvent) (kalshi, poly types.Quote, err error) {
	var g errgroup.Group
	fetch := func(client venue.Client, id string, side types.MarketSide, dst *float64) {
		g.Go(func() error {
			price, err := client.FetchQuote(ctx, id, side)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("quote fetch failed",
					"venue", client.Name(),
					"market", id,
					"side", side,
					"error", err,
				)
				return nil
			}
			*dst = price
			return nil
		})
	}

	fetch(e.kalshi, pair.Kalshi.NativeID, types.SideYes, &kalshi.BestYes)
	fetch(e.kalshi, pair.Kalshi.NativeID, types.SideNo, &kalshi.BestNo)
	fetch(e.poly, pair.Polymarket.NativeID, types.SideYes, &poly.BestYes)
	fetch(e.poly, pair.Polymarket.NativeID, types.SideNo, &poly.BestNo)
	if err := g.Wait(); err != nil {
		return kalshi, poly, err
	}

	now := e.now()
	kalshi.FetchedAt, poly.FetchedAt = now, now
	return kalshi, poly, nil
}

// handleOpportunity persists and alerts one detection, then executes it when
// execution is on. Paper mode always executes: simulated fills are free and
// the journal is the product.
func (e *Engine) handleOpportunity(ctx context.Context, opp types.Opportunity) error {
	positionID := newPositionID(e.now())

	if err := e.journal.SaveOpportunity(ctx, &opp, positionID, e.mode); err != nil {
		return fmt.Errorf("persist opportunity: %w", err)
	}
	e.rememberOpportunity(opp)
	e.notifier.Opportunity(ctx, opp)
	e.broadcast(api.NewOpportunityEvent(opp))

	if !e.state.AutoExecute() && e.mode != types.ModePaper {
		e.logger.Info("auto-execute off, not trading",
			"position", positionID,
			"question", opp.Question,
			"profit", fmt.Sprintf("%.2f", opp.Profit),
		)
		return nil
	}
	return e.execute(ctx, opp, positionID)
}

// execute allocates capital, dispatches both legs, and settles the ledger
// from the terminal status.
func (e *Engine) execute(ctx context.Context, opp types.Opportunity, positionID string) error {
	pos, err := e.capital.Allocate(decimal.NewFromFloat(opp.Size), positionID, &opp)
	if err != nil {
		e.logger.Warn("allocation rejected", "position", positionID, "error", err)
		return nil
	}

	result := e.exec.Execute(ctx, pos)
	metrics.RecordExecution(result.Status, result.Mode)

	// A locked spread realizes its edge at resolution regardless of the
	// outcome, so the journal row carries it up front.
	var pnl float64
	if result.Success {
		pnl = opp.Profit
	}
	if err := e.journal.SaveTrade(ctx, result, pnl); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}

	e.notifier.Execution(ctx, result, &opp)
	e.broadcast(api.NewExecutionEvent(result))

	switch result.Status {
	case types.ExecBothFilled:
		if err := e.capital.MarkOpen(positionID, types.PositionBothFilled); err != nil {
			e.logger.Error("mark open failed", "position", positionID, "error", err)
		}
	case types.ExecUnwindFailed:
		// Directional exposure remains; capital stays locked until the
		// operator resolves the stranded leg.
		if err := e.capital.MarkOpen(positionID, types.PositionUnwinding); err != nil {
			e.logger.Error("mark open failed", "position", positionID, "error", err)
		}
	default:
		if err := e.capital.Release(positionID, decimal.Zero); err != nil {
			e.logger.Error("release failed", "position", positionID, "error", err)
		}
	}

	metrics.UpdatePortfolio(e.capital.Snapshot())
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Scheduled jobs
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) runJobs(ctx context.Context) {
	balances := time.NewTicker(balanceEvery)
	defer balances.Stop()
	snapshots := time.NewTicker(snapshotEvery)
	defer snapshots.Stop()

	summary := time.NewTimer(untilNext(e.now(), 0, 0))
	defer summary.Stop()
	reset := time.NewTimer(untilNext(e.now(), 0, 1))
	defer reset.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-balances.C:
			e.refreshBalances(ctx)
		case <-snapshots.C:
			e.saveBalanceSnapshot(ctx)
		case <-summary.C:
			e.sendDailySummary(ctx)
			summary.Reset(untilNext(e.now(), 0, 0))
		case <-reset.C:
			e.capital.ResetDailyMetrics()
			reset.Reset(untilNext(e.now(), 0, 1))
		}
	}
}

// refreshBalances overwrites the ledger with venue-reported balances. Paper
// mode skips it: the simulated ledger is the source of truth and the venues
// have nothing to report.
func (e *Engine) refreshBalances(ctx context.Context) {
	if e.mode == types.ModePaper {
		return
	}

	kalshi, err := e.kalshi.Balance(ctx)
	if err != nil {
		e.logger.Error("kalshi balance refresh failed", "error", err)
		return
	}
	poly, err := e.poly.Balance(ctx)
	if err != nil {
		e.logger.Error("polymarket balance refresh failed", "error", err)
		return
	}

	e.capital.UpdateBalances(decimal.NewFromFloat(kalshi), decimal.NewFromFloat(poly))
	metrics.UpdatePortfolio(e.capital.Snapshot())
	e.logger.Debug("balances refreshed", "kalshi", kalshi, "polymarket", poly)
}

func (e *Engine) saveBalanceSnapshot(ctx context.Context) {
	if err := e.journal.SaveBalanceSnapshot(ctx, e.capital.Snapshot(), e.mode); err != nil {
		e.logger.Error("balance snapshot failed", "error", err)
	}
}

func (e *Engine) sendDailySummary(ctx context.Context) {
	summary, err := e.journal.PerformanceSummary(ctx, 1, e.mode)
	if err != nil {
		e.logger.Error("daily summary query failed", "error", err)
		return
	}
	portfolio := e.capital.Snapshot()
	e.notifier.DailySummary(ctx, summary, portfolio)
	e.broadcast(api.NewSummaryEvent(summary, portfolio))
}

// reconcile compares journaled open positions against venue order state
// after a restart. Mismatches are logged for the operator; the ledger is
// rebuilt from balances, not from replayed fills.
func (e *Engine) reconcile(ctx context.Context) {
	if e.mode != types.ModeLive {
		return
	}

	rows, err := e.journal.OpenPositions(ctx, e.mode)
	if err != nil {
		e.logger.Error("reconciliation query failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	e.logger.Info("reconciling open positions", "count", len(rows))
	for _, row := range rows {
		for _, leg := range [2]types.LegResult{row.Leg1, row.Leg2} {
			if leg.OrderID == "" {
				continue
			}
			filled, err := e.exec.CheckOrderStatus(ctx, leg.Venue, leg.OrderID)
			if err != nil {
				e.logger.Warn("order status check failed",
					"position", row.PositionID,
					"venue", leg.Venue,
					"order", leg.OrderID,
					"error", err,
				)
				continue
			}
			if filled != leg.Filled {
				e.logger.Warn("journal disagrees with venue",
					"position", row.PositionID,
					"venue", leg.Venue,
					"order", leg.OrderID,
					"journal_filled", leg.Filled,
					"venue_filled", filled,
				)
			}
		}
	}
}

// watchState logs runtime switch flips. The values themselves are read
// fresh wherever they matter.
func (e *Engine) watchState(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-e.state.Changes():
			e.logger.Info("runtime switch flipped", "field", change.Field, "value", change.Value)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard state surface
// ————————————————————————————————————————————————————————————————————————

// Portfolio implements api.SnapshotProvider.
func (e *Engine) Portfolio() types.PortfolioState { return e.capital.Snapshot() }

// Breaker implements api.SnapshotProvider.
func (e *Engine) Breaker() risk.State { return e.breaker.Snapshot() }

// RecentOpportunities implements api.SnapshotProvider, newest first.
func (e *Engine) RecentOpportunities(limit int) []types.Opportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]types.Opportunity, limit)
	copy(out, e.recent[:limit])
	return out
}

// QuoteAges implements api.SnapshotProvider.
func (e *Engine) QuoteAges() []market.QuoteAge { return e.quotes.Ages() }

// Mode implements api.SnapshotProvider.
func (e *Engine) Mode() types.ExecutionMode { return e.mode }

// Running implements api.SnapshotProvider.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) setRunning(on bool) {
	e.mu.Lock()
	e.running = on
	e.mu.Unlock()
	if err := e.state.SetEngineRunning(on); err != nil {
		e.logger.Error("persist engine state failed", "error", err)
	}
}

func (e *Engine) rememberOpportunity(opp types.Opportunity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append([]types.Opportunity{opp}, e.recent...)
	if len(e.recent) > recentKeep {
		e.recent = e.recent[:recentKeep]
	}
}

func (e *Engine) broadcast(evt api.Event) {
	if e.server != nil {
		e.server.Broadcast(evt)
	}
}

// newPositionID mints a journal-friendly position id.
func newPositionID(now time.Time) string {
	return fmt.Sprintf("arb_%d_%s", now.Unix(), uuid.NewString()[:8])
}

// untilNext returns the duration until the next wall-clock hh:mm.
func untilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
