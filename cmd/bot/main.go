// Cross-Venue Arbitrage Bot — detects and executes risk-free spreads between
// Kalshi and Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go             — entry point: flags, config, secrets, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: catalogue fetch → match → detect → execute, scheduled jobs
//	venue/              — Kalshi (RSA-PSS, cents) and Polymarket (EIP-712, CLOB) clients behind one interface
//	match/match.go      — pairs equivalent markets across venues by question similarity + resolution date
//	strategy/detector.go— evaluates both buy directions, prices fees, sizes with fractional Kelly
//	risk/               — pre-trade analyzer (tiers, warnings) and the latching circuit breaker
//	capital/manager.go  — bankroll ledger: allocations, reserve, exposure limits, daily PnL
//	executor/executor.go— places both legs in parallel, unwinds stranded fills
//	journal/            — SQLite journal: opportunities, trades, balance snapshots (per execution mode)
//	alert/              — console/Telegram/Slack notifications
//	api/                — read-only dashboard: REST snapshot, WebSocket events, Prometheus metrics
//	secrets/            — PBKDF2+AES-GCM encrypted credentials from the environment
//
// How it makes money:
//
//	A binary market resolves YES or NO. When venue A sells YES at 0.45 and
//	venue B sells NO at 0.46, buying both costs 0.91 and pays out exactly
//	1.00 at resolution — a 0.09 locked edge regardless of the outcome.
//	The bot scans both catalogues, pairs markets asking the same question,
//	and executes both legs when the combined price (after fees) is far
//	enough below $1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"crossarb/internal/alert"
	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/journal"
	"crossarb/internal/risk"
	"crossarb/internal/secrets"
	"crossarb/pkg/types"
)

// credentialVars lists every secret the bot knows how to resolve, in the
// order --encrypt-credentials reports them.
var credentialVars = []string{
	"KALSHI_API_KEY",
	"KALSHI_PRIVATE_KEY",
	"POLYMARKET_PRIVATE_KEY",
	"POLYMARKET_API_KEY",
	"TELEGRAM_BOT_TOKEN",
	"TELEGRAM_CHAT_ID",
	"SLACK_WEBHOOK_URL",
}

func main() { os.Exit(run()) }

func run() int {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	defaultCfg := "configs/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		defaultCfg = p
	}

	var (
		cfgPath     = flag.String("config", defaultCfg, "path to the YAML config file")
		autoExecute = flag.Bool("auto-execute", false, "execute detected opportunities without confirmation")
		dryRun      = flag.Bool("dry-run", false, "paper trading: simulate fills, place no venue orders")
		threshold   = flag.Float64("threshold", 0, "override trading.threshold_spread")
		logLevel    = flag.String("log-level", "", "debug|info|warn|error (overrides logging.level)")
		testAlerts  = flag.Bool("test-alerts", false, "send a test message to every alert channel and exit")
		initDB      = flag.Bool("init-db", false, "create the journal schema and exit")
		summary     = flag.Bool("summary", false, "print the 30-day performance summary and exit")
		encryptCred = flag.Bool("encrypt-credentials", false, "print _ENCRYPTED forms of the plaintext credential variables and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}

	// Flags the operator actually passed win over the file and the
	// environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "auto-execute":
			cfg.Trading.AutoExecute = *autoExecute
		case "dry-run":
			cfg.DryRun = *dryRun
		case "threshold":
			cfg.Trading.ThresholdSpread = *threshold
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)

	if *encryptCred {
		return encryptCredentials(logger)
	}

	creds, err := resolveCredentials(cfg, logger)
	if err != nil {
		logger.Error("failed to resolve credentials", "error", err)
		return 1
	}

	switch {
	case *initDB:
		return initJournal(cfg, logger)
	case *summary:
		return printSummary(cfg, logger)
	case *testAlerts:
		return probeAlerts(cfg, creds, logger)
	}

	// The runtime-mutable switches live next to the config file.
	statePath := filepath.Join(filepath.Dir(*cfgPath), "state.json")
	st, err := config.LoadState(statePath, cfg.DryRun, cfg.Trading.AutoExecute, cfg.Capital.InitialBankroll)
	if err != nil {
		logger.Error("failed to load runtime state", "error", err, "path", statePath)
		return 1
	}

	eng, err := engine.New(*cfg, st, creds, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DryRun {
		logger.Warn("PAPER TRADING — fills are simulated, no venue orders will be placed")
	}
	logger.Info("arbitrage bot starting",
		"config", *cfgPath,
		"interval", cfg.Polling.Interval(),
		"threshold", cfg.Trading.ThresholdSpread,
		"auto_execute", cfg.Trading.AutoExecute,
		"dry_run", cfg.DryRun,
	)

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, risk.ErrHalted) {
			logger.Error("trading halted by circuit breaker; manual reset required", "error", err)
		} else {
			logger.Error("engine failed", "error", err)
		}
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// resolveCredentials overlays encrypted environment credentials onto the
// config and returns the alert channel secrets. Without MASTER_PASSWORD only
// plaintext variables are consulted (config.Load already applied the venue
// ones).
func resolveCredentials(cfg *config.Config, logger *slog.Logger) (alert.Credentials, error) {
	pw := os.Getenv("MASTER_PASSWORD")
	if pw == "" {
		return alert.Credentials{
			TelegramToken:  secrets.ResolveEnv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID: secrets.ResolveEnv("TELEGRAM_CHAT_ID"),
			SlackWebhook:   secrets.ResolveEnv("SLACK_WEBHOOK_URL"),
		}, nil
	}

	mgr, err := secrets.NewManager(pw, logger)
	if err != nil {
		return alert.Credentials{}, err
	}

	apiKey, privKey := mgr.KalshiCredentials()
	if apiKey != "" {
		cfg.Kalshi.APIKey = apiKey
	}
	if privKey != "" {
		cfg.Kalshi.PrivateKey = privKey
	}
	walletKey, clobKey := mgr.PolymarketCredentials()
	if walletKey != "" {
		cfg.Polymarket.PrivateKey = walletKey
	}
	if clobKey != "" {
		cfg.Polymarket.ApiKey = clobKey
	}

	token, chatID := mgr.TelegramCredentials()
	return alert.Credentials{
		TelegramToken:  token,
		TelegramChatID: chatID,
		SlackWebhook:   mgr.Resolve("SLACK_WEBHOOK_URL"),
	}, nil
}

// encryptCredentials prints the _ENCRYPTED form of every credential variable
// currently set in plaintext, ready to paste into a .env file.
func encryptCredentials(logger *slog.Logger) int {
	pw := os.Getenv("MASTER_PASSWORD")
	if pw == "" {
		logger.Error("MASTER_PASSWORD must be set to encrypt credentials")
		return 1
	}
	mgr, err := secrets.NewManager(pw, logger)
	if err != nil {
		logger.Error("failed to build secrets manager", "error", err)
		return 1
	}

	found := 0
	for _, name := range credentialVars {
		plain := os.Getenv(name)
		if plain == "" {
			continue
		}
		enc, err := mgr.Encrypt(plain)
		if err != nil {
			logger.Error("failed to encrypt credential", "var", name, "error", err)
			return 1
		}
		fmt.Printf("%s_ENCRYPTED=%s\n", name, enc)
		found++
	}
	if found == 0 {
		logger.Error("no plaintext credential variables set", "known", credentialVars)
		return 1
	}
	return 0
}

func initJournal(cfg *config.Config, logger *slog.Logger) int {
	path, err := cfg.Database.SQLitePath()
	if err != nil {
		logger.Error("invalid database url", "error", err)
		return 1
	}
	j, err := journal.Open(path, logger)
	if err != nil {
		logger.Error("failed to initialize journal", "error", err, "path", path)
		return 1
	}
	defer j.Close()
	logger.Info("journal schema ready", "path", path)
	return 0
}

func printSummary(cfg *config.Config, logger *slog.Logger) int {
	path, err := cfg.Database.SQLitePath()
	if err != nil {
		logger.Error("invalid database url", "error", err)
		return 1
	}
	j, err := journal.Open(path, logger)
	if err != nil {
		logger.Error("failed to open journal", "error", err, "path", path)
		return 1
	}
	defer j.Close()

	mode := types.ModeLive
	if cfg.DryRun {
		mode = types.ModePaper
	}

	s, err := j.PerformanceSummary(context.Background(), 30, mode)
	if err != nil {
		logger.Error("failed to query performance summary", "error", err)
		return 1
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Mode", "Days", "Opportunities", "Trades", "Wins", "Losses", "Win Rate", "Total PnL", "Volume")
	table.Append(
		string(s.Mode),
		fmt.Sprintf("%d", s.PeriodDays),
		fmt.Sprintf("%d", s.Opportunities),
		fmt.Sprintf("%d", s.Trades),
		fmt.Sprintf("%d", s.Wins),
		fmt.Sprintf("%d", s.Losses),
		fmt.Sprintf("%.1f%%", s.WinRate*100),
		"$"+s.TotalPnL.StringFixed(2),
		"$"+s.TotalVolume.StringFixed(2),
	)
	table.Render()
	return 0
}

func probeAlerts(cfg *config.Config, creds alert.Credentials, logger *slog.Logger) int {
	n := alert.New(cfg.Monitoring, creds, logger)
	if err := n.Test(context.Background()); err != nil {
		logger.Error("alert test failed", "error", err)
		return 1
	}
	logger.Info("alert test delivered", "channels", n.Channels())
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
