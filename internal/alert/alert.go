// Package alert fans engine events out to the configured notification
// channels: console (structured log), Telegram bot, and Slack incoming
// webhook.
//
// Delivery is best-effort. A dead webhook or revoked bot token is logged and
// skipped so alerting can never stall or kill the trading loop. The only
// caller that observes send errors is Test, behind the --test-alerts flag
// and the startup probe.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Channel delivers one formatted message to a single destination.
// Implementations are safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Credentials carries the secrets the outbound channels need. The caller
// resolves them (plain env or encrypted variants) before constructing the
// notifier; this package never reads the environment itself.
type Credentials struct {
	TelegramToken  string
	TelegramChatID string
	SlackWebhook   string
}

// Notifier formats engine events and broadcasts them to every configured
// channel.
type Notifier struct {
	channels  []Channel
	minEdge   float64
	minProfit float64
	logger    *slog.Logger
}

// New builds the notifier from monitoring config. A channel with missing or
// unusable credentials is skipped with a warning instead of failing startup;
// the console channel needs none and always works.
func New(cfg config.MonitoringConfig, creds Credentials, logger *slog.Logger) *Notifier {
	n := &Notifier{
		minEdge:   cfg.AlertThresholdSpread,
		minProfit: cfg.AlertMinOpportunityUSD,
		logger:    logger.With("component", "alert"),
	}

	for _, name := range cfg.AlertChannels {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "console":
			n.channels = append(n.channels, &consoleChannel{logger: n.logger})
		case "telegram":
			if creds.TelegramToken == "" || creds.TelegramChatID == "" {
				n.logger.Warn("telegram channel configured but credentials missing")
				continue
			}
			ch, err := newTelegram(creds.TelegramToken, creds.TelegramChatID)
			if err != nil {
				n.logger.Warn("telegram channel disabled", "error", err)
				continue
			}
			n.channels = append(n.channels, ch)
		case "slack":
			if creds.SlackWebhook == "" {
				n.logger.Warn("slack channel configured but webhook url missing")
				continue
			}
			n.channels = append(n.channels, newSlack(creds.SlackWebhook))
		default:
			n.logger.Warn("unknown alert channel", "channel", name)
		}
	}
	return n
}

// Channels lists the active channel names for the dashboard config summary.
func (n *Notifier) Channels() []string {
	names := make([]string, len(n.channels))
	for i, ch := range n.channels {
		names[i] = ch.Name()
	}
	return names
}

// Opportunity announces a detection that clears both alert thresholds.
// Sub-threshold hits reach only the journal and the log.
func (n *Notifier) Opportunity(ctx context.Context, opp types.Opportunity) {
	if opp.NetEdge < n.minEdge || opp.Profit < n.minProfit {
		return
	}
	n.broadcast(ctx, formatOpportunity(opp))
}

// Execution reports a dispatch outcome. opp is optional and adds the
// expected-profit line when present.
func (n *Notifier) Execution(ctx context.Context, result types.ExecutionResult, opp *types.Opportunity) {
	n.broadcast(ctx, formatExecution(result, opp))
}

// Error reports an operational fault that did not stop the engine.
func (n *Notifier) Error(ctx context.Context, kind string, err error) {
	n.broadcast(ctx, fmt.Sprintf("🚨 *ERROR*\n\nType: %s\nMessage: %s\n\n_%s_",
		escapeMarkdown(kind), escapeMarkdown(err.Error()), time.Now().Format("2006-01-02 15:04:05")))
}

// Halt announces a circuit-breaker trip. The engine stops after sending
// this; trading resumes only after a manual reset.
func (n *Notifier) Halt(ctx context.Context, reason string) {
	n.broadcast(ctx, fmt.Sprintf("🛑 *TRADING HALTED*\n\n%s\n\nManual reset required.\n\n_%s_",
		escapeMarkdown(reason), time.Now().Format("2006-01-02 15:04:05")))
}

// DailySummary reports the trailing day's aggregates and current balances.
func (n *Notifier) DailySummary(ctx context.Context, summary types.PerformanceSummary, portfolio types.PortfolioState) {
	n.broadcast(ctx, formatDailySummary(summary, portfolio))
}

// Test sends a probe through every configured channel and reports each
// failure. Run once at engine startup and by --test-alerts.
func (n *Notifier) Test(ctx context.Context) error {
	if len(n.channels) == 0 {
		return errors.New("no alert channels configured")
	}

	probe := fmt.Sprintf("✅ crossarb alert test (%s)", time.Now().Format("15:04:05"))
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx, probe); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		n.logger.Info("alert channel ok", "channel", ch.Name())
	}
	return errors.Join(errs...)
}

// broadcast delivers text to every channel. Failures are logged and dropped.
func (n *Notifier) broadcast(ctx context.Context, text string) {
	for _, ch := range n.channels {
		if err := ch.Send(ctx, text); err != nil {
			n.logger.Warn("alert delivery failed", "channel", ch.Name(), "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Channels
// ————————————————————————————————————————————————————————————————————————

// consoleChannel writes alerts into the structured log. It is the always-on
// fallback and the default configuration.
type consoleChannel struct {
	logger *slog.Logger
}

func (c *consoleChannel) Name() string { return "console" }

func (c *consoleChannel) Send(_ context.Context, text string) error {
	c.logger.Info("alert", "message", text)
	return nil
}

// telegramChannel pushes alerts to one chat through the Bot API.
type telegramChannel struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// newTelegram validates the chat id before logging in so a malformed id
// fails without network I/O.
func newTelegram(token, chatID string) (*telegramChannel, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse telegram chat id: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &telegramChannel{api: api, chatID: id}, nil
}

func (t *telegramChannel) Name() string { return "telegram" }

func (t *telegramChannel) Send(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := t.api.Send(msg)
	return err
}

// slackChannel posts alerts to an incoming-webhook URL.
type slackChannel struct {
	http *resty.Client
	url  string
}

func newSlack(webhookURL string) *slackChannel {
	return &slackChannel{
		http: resty.New().SetTimeout(10 * time.Second),
		url:  webhookURL,
	}
}

func (s *slackChannel) Name() string { return "slack" }

func (s *slackChannel) Send(ctx context.Context, text string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text}).
		Post(s.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Formatting
// ————————————————————————————————————————————————————————————————————————

func formatOpportunity(opp types.Opportunity) string {
	return fmt.Sprintf(`💰 *ARBITRAGE OPPORTUNITY*

%s

*Legs:* %s
  Leg 1: %.4f
  Leg 2: %.4f
  Spread: %.4f

*Trade:*
  Net edge: %.2f%%
  Size: $%.2f (%d contracts / %.2f tokens)
  Expected profit: $%.2f
  Expected ROI: %.2f%%
  Risk tier: %s

*Markets:*
  Kalshi: %s
  Polymarket: %s

_Detected %s_`,
		escapeMarkdown(truncate(opp.Question, 100)),
		opp.Direction.Describe(),
		opp.PriceLeg1,
		opp.PriceLeg2,
		opp.Spread,
		opp.NetEdge*100,
		opp.Size,
		opp.Contracts,
		opp.SizeLeg2,
		opp.Profit,
		opp.ROI*100,
		opp.RiskTier,
		escapeMarkdown(opp.KalshiID),
		escapeMarkdown(opp.PolyID),
		opp.DetectedAt.Format("15:04:05"),
	)
}

func formatExecution(result types.ExecutionResult, opp *types.Opportunity) string {
	emoji := "✅"
	if !result.Success {
		emoji = "❌"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *TRADE EXECUTION*\n\n", emoji)
	fmt.Fprintf(&b, "Position: %s\n", result.PositionID)
	fmt.Fprintf(&b, "Status: %s (%s)\n\n", result.Status, result.Mode)

	b.WriteString("*Legs:*\n")
	for _, leg := range [2]types.LegResult{result.Leg1, result.Leg2} {
		mark := "❌"
		if leg.Filled {
			mark = "✅"
		}
		fmt.Fprintf(&b, "  %s %s %s %s: %.2f @ %.4f\n",
			mark, leg.Venue, strings.ToUpper(string(leg.Side)), escapeMarkdown(leg.Market), leg.Qty, leg.Price)
	}

	fmt.Fprintf(&b, "\nCost: $%.2f\n", result.ActualCost)
	if opp != nil && result.Success {
		fmt.Fprintf(&b, "Expected profit: $%.2f\n", opp.Profit)
	}
	if result.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", escapeMarkdown(result.Error))
	}
	fmt.Fprintf(&b, "\n_Executed %s_", result.ExecutedAt.Format("15:04:05"))
	return b.String()
}

func formatDailySummary(summary types.PerformanceSummary, portfolio types.PortfolioState) string {
	return fmt.Sprintf(`📈 *DAILY SUMMARY* (%s)

*Opportunities:*
  Detected: %d
  Executed: %d
  Wins / losses: %d / %d
  Win rate: %.1f%%

*Performance:*
  PnL: $%s
  Volume: $%s

*Balances:*
  Total: $%s
  Kalshi: $%s
  Polymarket: $%s

_%s_`,
		summary.Mode,
		summary.Opportunities,
		summary.Trades,
		summary.Wins, summary.Losses,
		summary.WinRate*100,
		summary.TotalPnL.StringFixed(2),
		summary.TotalVolume.StringFixed(2),
		portfolio.TotalBalance().StringFixed(2),
		portfolio.BalanceKalshi.StringFixed(2),
		portfolio.BalancePolymarket.StringFixed(2),
		time.Now().Format("2006-01-02 15:04:05"),
	)
}

// escapeMarkdown neutralizes Telegram Markdown entities in venue-supplied
// text so a question containing "_" or "*" cannot break the message.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
