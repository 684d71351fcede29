package api

import (
	"time"

	"crossarb/internal/config"
	"crossarb/internal/market"
	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// DashboardSnapshot is the complete read-only dashboard state, returned by
// /api/snapshot and pushed to every websocket client on connect.
type DashboardSnapshot struct {
	Timestamp     time.Time           `json:"timestamp"`
	ExecutionMode types.ExecutionMode `json:"execution_mode"`
	EngineRunning bool                `json:"engine_running"`

	// Ledger and risk state
	Portfolio types.PortfolioState `json:"portfolio"`
	Breaker   risk.State           `json:"breaker"`

	// Latest detections, newest first
	Opportunities []types.Opportunity `json:"recent_opportunities"`

	// Quote cache freshness, oldest first
	QuoteAges []market.QuoteAge `json:"quote_ages"`

	// Static configuration
	Config ConfigSummary `json:"config"`
}

// ConfigSummary is the operator-relevant slice of the static config.
// Credentials and endpoints never appear here.
type ConfigSummary struct {
	// Trading gates
	ThresholdSpread   float64 `json:"threshold_spread"`
	MinTradeSizeUSD   float64 `json:"min_trade_size_usd"`
	MaxTradeSizePct   float64 `json:"max_trade_size_pct"`
	SlippageTolerance float64 `json:"slippage_tolerance"`
	AutoExecute       bool    `json:"auto_execute"`

	// Capital
	InitialBankroll     float64 `json:"initial_bankroll"`
	ReservePct          float64 `json:"reserve_pct"`
	MaxDaysToResolution int     `json:"max_days_to_resolution"`

	// Risk limits
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDailyLossPct  float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`

	// Operational
	PollInterval  string   `json:"poll_interval"`
	AlertChannels []string `json:"alert_channels"`
	DryRun        bool     `json:"dry_run"`
}

// NewConfigSummary builds the summary from static config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		ThresholdSpread:   cfg.Trading.ThresholdSpread,
		MinTradeSizeUSD:   cfg.Trading.MinTradeSizeUSD,
		MaxTradeSizePct:   cfg.Trading.MaxTradeSizePct,
		SlippageTolerance: cfg.Trading.SlippageTolerance,
		AutoExecute:       cfg.Trading.AutoExecute,

		InitialBankroll:     cfg.Capital.InitialBankroll,
		ReservePct:          cfg.Capital.ReservePct,
		MaxDaysToResolution: cfg.Capital.MaxDaysToResolution,

		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxDailyLossPct:  cfg.Risk.MaxDailyLossPct,
		MaxDrawdownPct:   cfg.Risk.MaxDrawdownPct,

		PollInterval:  cfg.Polling.Interval().String(),
		AlertChannels: cfg.Monitoring.AlertChannels,
		DryRun:        cfg.DryRun,
	}
}
