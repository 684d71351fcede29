// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables; the
// runtime-mutable switches live in a separate JSON state document.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crossarb/internal/validate"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Capital    CapitalConfig    `mapstructure:"capital"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// TradingConfig gates what the detector will act on.
//
//   - ThresholdSpread: minimum gross edge (1 - spread) to proceed.
//   - MinTradeSizeUSD: absolute size floor; smaller opportunities are dropped.
//   - MaxTradeSizePct: per-trade fraction of bankroll.
//   - TargetLiquidityDepth: minimum resting liquidity required on each venue.
//   - SlippageTolerance: multiplicative inflation applied to limit prices.
//   - AutoExecute: when false, opportunities are journaled and alerted only.
type TradingConfig struct {
	ThresholdSpread      float64 `mapstructure:"threshold_spread"`
	MinTradeSizeUSD      float64 `mapstructure:"min_trade_size_usd"`
	MaxTradeSizePct      float64 `mapstructure:"max_trade_size_pct"`
	TargetLiquidityDepth float64 `mapstructure:"target_liquidity_depth"`
	SlippageTolerance    float64 `mapstructure:"slippage_tolerance"`
	AutoExecute          bool    `mapstructure:"auto_execute"`
}

// CapitalConfig controls bankroll split and horizon gating.
//
//   - MaxDaysToResolution: reject opportunities resolving further out than
//     this, unless net edge clears HighReturnThreshold.
//   - RebalanceThreshold: allocation drift beyond which a transfer target is
//     surfaced (transfers are never executed).
type CapitalConfig struct {
	InitialBankroll         float64 `mapstructure:"initial_bankroll"`
	KalshiAllocationPct     float64 `mapstructure:"kalshi_allocation_pct"`
	PolymarketAllocationPct float64 `mapstructure:"polymarket_allocation_pct"`
	ReservePct              float64 `mapstructure:"reserve_pct"`
	RebalanceThreshold      float64 `mapstructure:"rebalance_threshold"`
	MaxDaysToResolution     int     `mapstructure:"max_days_to_resolution"`
	HighReturnThreshold     float64 `mapstructure:"high_return_threshold"`
}

// RiskConfig sets the hard limits enforced by the capital manager and the
// circuit breaker.
type RiskConfig struct {
	MaxOpenPositions    int     `mapstructure:"max_open_positions"`
	MaxExposurePerEvent float64 `mapstructure:"max_exposure_per_event"`
	MaxDailyLossPct     float64 `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct      float64 `mapstructure:"max_drawdown_pct"`
}

// FeesConfig is the fee model applied when netting an edge.
// Venue fees are fractions of notional; BlockchainCostUSD is the fixed
// per-trade cost of settling the Polymarket leg.
type FeesConfig struct {
	KalshiFeePct      float64 `mapstructure:"kalshi_fee_pct"`
	PolymarketFeePct  float64 `mapstructure:"polymarket_fee_pct"`
	BlockchainCostUSD float64 `mapstructure:"blockchain_cost_usd"`
}

// PollingConfig sets the scan-tick cadence.
type PollingConfig struct {
	IntervalSec int `mapstructure:"interval_sec"`
}

// Interval returns the tick cadence as a duration.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// MonitoringConfig controls outbound alerting. Channels is any subset of
// {console, telegram, slack}; credentials come from the environment.
type MonitoringConfig struct {
	AlertChannels          []string `mapstructure:"alert_channels"`
	AlertThresholdSpread   float64  `mapstructure:"alert_threshold_spread"`
	AlertMinOpportunityUSD float64  `mapstructure:"alert_min_opportunity_usd"`
}

// KalshiConfig holds the cents-quoted venue's endpoint and credentials.
// APIKey is the key id; PrivateKey is the PEM-encoded RSA key that signs
// requests. Both are normally injected from the environment (optionally
// encrypted, see the secrets package).
type KalshiConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	APIKey     string  `mapstructure:"api_key"`
	PrivateKey string  `mapstructure:"private_key"`
	RateLimit  float64 `mapstructure:"rate_limit"`
}

// PolymarketConfig holds the CLOB venue's endpoints and signing wallet.
// PrivateKey signs EIP-712 orders; ApiKey/Secret/Passphrase are the L2
// credentials (derived on startup when empty).
type PolymarketConfig struct {
	CLOBBaseURL   string  `mapstructure:"clob_base_url"`
	GammaBaseURL  string  `mapstructure:"gamma_base_url"`
	PrivateKey    string  `mapstructure:"private_key"`
	ApiKey        string  `mapstructure:"api_key"`
	Secret        string  `mapstructure:"secret"`
	Passphrase    string  `mapstructure:"passphrase"`
	FunderAddress string  `mapstructure:"funder_address"`
	SignatureType int     `mapstructure:"signature_type"`
	ChainID       int     `mapstructure:"chain_id"`
	RateLimit     float64 `mapstructure:"rate_limit"`
}

// DatabaseConfig points at the journal store. URL accepts sqlite:///path
// (relative) and sqlite:////path (absolute) forms; DATABASE_URL overrides.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KALSHI_API_KEY, KALSHI_PRIVATE_KEY,
// POLYMARKET_PRIVATE_KEY, POLYMARKET_API_KEY, DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults cover every key.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KALSHI_API_KEY"); key != "" {
		cfg.Kalshi.APIKey = key
	}
	if key := os.Getenv("KALSHI_PRIVATE_KEY"); key != "" {
		cfg.Kalshi.PrivateKey = key
	}
	if key := os.Getenv("POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("POLYMARKET_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults mirrors the documented defaults so a minimal config file (or
// none at all, in paper mode) still yields a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("trading.threshold_spread", 0.01)
	v.SetDefault("trading.min_trade_size_usd", 100.0)
	v.SetDefault("trading.max_trade_size_pct", 0.05)
	v.SetDefault("trading.target_liquidity_depth", 5000.0)
	v.SetDefault("trading.slippage_tolerance", 0.002)
	v.SetDefault("trading.auto_execute", false)

	v.SetDefault("capital.initial_bankroll", 100000.0)
	v.SetDefault("capital.kalshi_allocation_pct", 0.5)
	v.SetDefault("capital.polymarket_allocation_pct", 0.5)
	v.SetDefault("capital.reserve_pct", 0.1)
	v.SetDefault("capital.rebalance_threshold", 0.15)
	v.SetDefault("capital.max_days_to_resolution", 30)
	v.SetDefault("capital.high_return_threshold", 0.05)

	v.SetDefault("risk.max_open_positions", 20)
	v.SetDefault("risk.max_exposure_per_event", 0.10)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.max_drawdown_pct", 0.15)

	v.SetDefault("fees.kalshi_fee_pct", 0.007)
	v.SetDefault("fees.polymarket_fee_pct", 0.02)
	v.SetDefault("fees.blockchain_cost_usd", 5.0)

	v.SetDefault("polling.interval_sec", 30)

	v.SetDefault("monitoring.alert_channels", []string{"console"})
	v.SetDefault("monitoring.alert_threshold_spread", 0.015)
	v.SetDefault("monitoring.alert_min_opportunity_usd", 500.0)

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.rate_limit", 10.0)

	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.chain_id", 137)
	v.SetDefault("polymarket.signature_type", 0)
	v.SetDefault("polymarket.rate_limit", 10.0)

	v.SetDefault("database.url", "sqlite:///data/arbitrage.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("dashboard.allowed_origins", []string{"*"})
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.ThresholdSpread <= 0 || c.Trading.ThresholdSpread >= 1 {
		return fmt.Errorf("trading.threshold_spread must be in (0, 1)")
	}
	if c.Trading.MinTradeSizeUSD <= 0 {
		return fmt.Errorf("trading.min_trade_size_usd must be > 0")
	}
	if c.Trading.MaxTradeSizePct <= 0 || c.Trading.MaxTradeSizePct > 1 {
		return fmt.Errorf("trading.max_trade_size_pct must be in (0, 1]")
	}
	if c.Trading.SlippageTolerance < 0 || c.Trading.SlippageTolerance > 0.1 {
		return fmt.Errorf("trading.slippage_tolerance must be in [0, 0.1]")
	}
	if c.Capital.InitialBankroll <= 0 {
		return fmt.Errorf("capital.initial_bankroll must be > 0")
	}
	if sum := c.Capital.KalshiAllocationPct + c.Capital.PolymarketAllocationPct; sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("capital allocation percentages must sum to 1.0, got %.2f", sum)
	}
	if c.Capital.ReservePct < 0 || c.Capital.ReservePct >= 1 {
		return fmt.Errorf("capital.reserve_pct must be in [0, 1)")
	}
	if c.Capital.MaxDaysToResolution <= 0 {
		return fmt.Errorf("capital.max_days_to_resolution must be > 0")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Risk.MaxExposurePerEvent <= 0 || c.Risk.MaxExposurePerEvent > 1 {
		return fmt.Errorf("risk.max_exposure_per_event must be in (0, 1]")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0, 1)")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1)")
	}
	fractions := []struct {
		name string
		v    float64
	}{
		{"capital.kalshi_allocation_pct", c.Capital.KalshiAllocationPct},
		{"capital.polymarket_allocation_pct", c.Capital.PolymarketAllocationPct},
		{"capital.rebalance_threshold", c.Capital.RebalanceThreshold},
		{"capital.high_return_threshold", c.Capital.HighReturnThreshold},
		{"fees.kalshi_fee_pct", c.Fees.KalshiFeePct},
		{"fees.polymarket_fee_pct", c.Fees.PolymarketFeePct},
		{"monitoring.alert_threshold_spread", c.Monitoring.AlertThresholdSpread},
	}
	for _, f := range fractions {
		if err := validate.Percentage(f.v); err != nil {
			return fmt.Errorf("%s: %v", f.name, err)
		}
	}
	if c.Polling.IntervalSec <= 0 {
		return fmt.Errorf("polling.interval_sec must be > 0")
	}
	if c.Kalshi.BaseURL == "" {
		return fmt.Errorf("kalshi.base_url is required")
	}
	if c.Polymarket.CLOBBaseURL == "" {
		return fmt.Errorf("polymarket.clob_base_url is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set DATABASE_URL)")
	}
	if !c.DryRun {
		// Live trading needs signing material on both venues.
		if c.Kalshi.APIKey == "" || c.Kalshi.PrivateKey == "" {
			return fmt.Errorf("kalshi credentials required for live trading (set KALSHI_API_KEY and KALSHI_PRIVATE_KEY)")
		}
		if c.Polymarket.PrivateKey == "" {
			return fmt.Errorf("polymarket.private_key is required for live trading (set POLYMARKET_PRIVATE_KEY)")
		}
		if c.Polymarket.ChainID == 0 {
			return fmt.Errorf("polymarket.chain_id is required (137 for mainnet)")
		}
		switch c.Polymarket.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("polymarket.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
	}
	return nil
}

// SQLitePath translates a sqlite:// URL into a filesystem path.
// Returns an error for non-sqlite schemes.
func (d DatabaseConfig) SQLitePath() (string, error) {
	switch {
	case strings.HasPrefix(d.URL, "sqlite:////"):
		return "/" + strings.TrimPrefix(d.URL, "sqlite:////"), nil
	case strings.HasPrefix(d.URL, "sqlite:///"):
		return strings.TrimPrefix(d.URL, "sqlite:///"), nil
	case strings.HasPrefix(d.URL, "sqlite://"):
		return strings.TrimPrefix(d.URL, "sqlite://"), nil
	case d.URL != "" && !strings.Contains(d.URL, "://"):
		return d.URL, nil
	default:
		return "", fmt.Errorf("unsupported database url %q (only sqlite is supported)", d.URL)
	}
}
