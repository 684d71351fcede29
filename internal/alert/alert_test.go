package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChannel records every message it is handed, or fails every send.
type fakeChannel struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, text string) error {
	if f.fail {
		return errors.New("channel down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestNotifier(minEdge, minProfit float64, chans ...Channel) *Notifier {
	return &Notifier{
		channels:  chans,
		minEdge:   minEdge,
		minProfit: minProfit,
		logger:    testLogger(),
	}
}

func sampleOpportunity() types.Opportunity {
	return types.Opportunity{
		KalshiID:   "FED-26DEC",
		PolyID:     "111:222",
		Question:   "Will the Fed cut rates in December?",
		Direction:  types.BuyYesKalshiNoPoly,
		PriceLeg1:  0.45,
		PriceLeg2:  0.46,
		Spread:     0.91,
		GrossEdge:  0.09,
		NetEdge:    0.05,
		Size:       1000,
		Contracts:  2222,
		SizeLeg2:   2173.91,
		Profit:     800,
		ROI:        0.05,
		RiskTier:   types.RiskLow,
		DetectedAt: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
	}
}

func TestNewBuildsConfiguredChannels(t *testing.T) {
	t.Parallel()

	cfg := config.MonitoringConfig{
		AlertChannels:          []string{"console", "slack", "telegram", "pager"},
		AlertThresholdSpread:   0.015,
		AlertMinOpportunityUSD: 500,
	}
	// Telegram credentials absent: the channel is skipped, not fatal.
	creds := Credentials{SlackWebhook: "http://127.0.0.1:1/hook"}

	n := New(cfg, creds, testLogger())

	got := n.Channels()
	want := []string{"console", "slack"}
	if len(got) != len(want) {
		t.Fatalf("Channels() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if n.minEdge != 0.015 || n.minProfit != 500 {
		t.Errorf("thresholds = (%v, %v), want (0.015, 500)", n.minEdge, n.minProfit)
	}
}

func TestNewSkipsTelegramWithBadChatID(t *testing.T) {
	t.Parallel()

	cfg := config.MonitoringConfig{AlertChannels: []string{"telegram"}}
	// Chat id parsing happens before the bot login, so this never dials out.
	creds := Credentials{TelegramToken: "123:abc", TelegramChatID: "not-a-number"}

	n := New(cfg, creds, testLogger())
	if len(n.Channels()) != 0 {
		t.Fatalf("Channels() = %v, want none", n.Channels())
	}
}

func TestOpportunityGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		edge   float64
		profit float64
		sent   bool
	}{
		{"clears both thresholds", 0.05, 800, true},
		{"edge below threshold", 0.01, 800, false},
		{"profit below minimum", 0.05, 499, false},
		{"exactly at thresholds", 0.015, 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ch := &fakeChannel{name: "rec"}
			n := newTestNotifier(0.015, 500, ch)

			opp := sampleOpportunity()
			opp.NetEdge = tt.edge
			opp.Profit = tt.profit
			n.Opportunity(context.Background(), opp)

			got := len(ch.messages())
			want := 0
			if tt.sent {
				want = 1
			}
			if got != want {
				t.Fatalf("sent %d messages, want %d", got, want)
			}
		})
	}
}

func TestOpportunityMessageContent(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "rec"}
	n := newTestNotifier(0.015, 500, ch)

	opp := sampleOpportunity()
	opp.Question = "Will X_Y win? *maybe*"
	n.Opportunity(context.Background(), opp)

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg := msgs[0]

	for _, want := range []string{
		"ARBITRAGE OPPORTUNITY",
		"YES@kalshi + NO@polymarket",
		"Net edge: 5.00%",
		"Expected profit: $800.00",
		"2222 contracts",
		"FED-26DEC",
		"111:222",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	// Markdown entities in venue text arrive escaped.
	if !strings.Contains(msg, `Will X\_Y win? \*maybe\*`) {
		t.Errorf("question not escaped:\n%s", msg)
	}
}

func TestExecutionMessageContent(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "rec"}
	n := newTestNotifier(0.015, 500, ch)

	opp := sampleOpportunity()
	result := types.ExecutionResult{
		PositionID: "pos-1",
		Status:     types.ExecBothFilled,
		Success:    true,
		Leg1:       types.LegResult{Venue: types.VenueKalshi, Market: "FED-26DEC", Side: types.SideYes, Filled: true, Qty: 2222, Price: 0.45},
		Leg2:       types.LegResult{Venue: types.VenuePolymarket, Market: "111:222", Side: types.SideNo, Filled: true, Qty: 2173.91, Price: 0.46},
		ActualCost: 1999.90,
		Mode:       types.ModeLive,
		ExecutedAt: time.Date(2026, 3, 1, 14, 30, 5, 0, time.UTC),
	}
	n.Execution(context.Background(), result, &opp)

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg := msgs[0]

	for _, want := range []string{
		"✅ *TRADE EXECUTION*",
		"Position: pos-1",
		"Status: both_filled (live)",
		"Cost: $1999.90",
		"Expected profit: $800.00",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestExecutionFailureMessage(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "rec"}
	n := newTestNotifier(0.015, 500, ch)

	result := types.ExecutionResult{
		PositionID: "pos-2",
		Status:     types.ExecUnwindFailed,
		Success:    false,
		Leg1:       types.LegResult{Venue: types.VenueKalshi, Market: "FED-26DEC", Side: types.SideYes, Error: "rejected by venue"},
		Leg2:       types.LegResult{Venue: types.VenuePolymarket, Market: "111:222", Side: types.SideNo, Filled: true, Qty: 50, Price: 0.46},
		ActualCost: 23,
		Mode:       types.ModeLive,
		Error:      "leg1 kalshi: rejected by venue; unwind: offset order not filled",
		ExecutedAt: time.Now(),
	}
	n.Execution(context.Background(), result, nil)

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg := msgs[0]

	if !strings.HasPrefix(msg, "❌") {
		t.Errorf("failure message should lead with ❌:\n%s", msg)
	}
	for _, want := range []string{"partial_fill_unwind_failed", "unwind: offset order not filled"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "Expected profit") {
		t.Errorf("failed execution should not carry expected profit:\n%s", msg)
	}
}

func TestDailySummaryMessage(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "rec"}
	n := newTestNotifier(0.015, 500, ch)

	summary := types.PerformanceSummary{
		PeriodDays:    1,
		Mode:          types.ModePaper,
		Opportunities: 12,
		Trades:        3,
		Wins:          2,
		Losses:        1,
		WinRate:       0.667,
		TotalPnL:      decimal.NewFromFloat(42.50),
		TotalVolume:   decimal.NewFromFloat(3000),
	}
	portfolio := types.PortfolioState{
		BalanceKalshi:     decimal.NewFromFloat(5100.25),
		BalancePolymarket: decimal.NewFromFloat(4900),
	}
	n.DailySummary(context.Background(), summary, portfolio)

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg := msgs[0]

	for _, want := range []string{
		"DAILY SUMMARY",
		"(paper)",
		"Detected: 12",
		"Executed: 3",
		"Win rate: 66.7%",
		"PnL: $42.50",
		"Total: $10000.25",
		"Kalshi: $5100.25",
		"Polymarket: $4900.00",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestHaltAndErrorBroadcast(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "rec"}
	n := newTestNotifier(0.015, 500, ch)

	n.Halt(context.Background(), "daily loss limit breached: -5.2%")
	n.Error(context.Background(), "Journal", errors.New("disk full"))

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0], "TRADING HALTED") || !strings.Contains(msgs[0], "daily loss limit breached") {
		t.Errorf("halt message wrong:\n%s", msgs[0])
	}
	if !strings.Contains(msgs[1], "ERROR") || !strings.Contains(msgs[1], "disk full") {
		t.Errorf("error message wrong:\n%s", msgs[1])
	}
}

func TestBroadcastContinuesPastFailure(t *testing.T) {
	t.Parallel()

	dead := &fakeChannel{name: "dead", fail: true}
	live := &fakeChannel{name: "live"}
	n := newTestNotifier(0.015, 500, dead, live)

	n.Halt(context.Background(), "halted")

	if got := len(live.messages()); got != 1 {
		t.Fatalf("live channel got %d messages, want 1", got)
	}
}

func TestSlackDelivery(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		body = payload
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ch := newSlack(srv.URL)
	n := newTestNotifier(0.015, 500, ch)

	n.Halt(context.Background(), "breaker tripped")

	mu.Lock()
	defer mu.Unlock()
	if body == nil {
		t.Fatal("webhook never called")
	}
	if !strings.Contains(body["text"], "TRADING HALTED") || !strings.Contains(body["text"], "breaker tripped") {
		t.Errorf(`body["text"] = %q, want halt message`, body["text"])
	}
}

func TestSlackErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	ch := newSlack(srv.URL)
	err := ch.Send(context.Background(), "probe")
	if err == nil {
		t.Fatal("Send() = nil, want error on 400")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error = %v, want status 400", err)
	}
}

func TestProbeReportsEveryFailure(t *testing.T) {
	t.Parallel()

	dead := &fakeChannel{name: "dead", fail: true}
	live := &fakeChannel{name: "live"}
	n := newTestNotifier(0.015, 500, dead, live)

	err := n.Test(context.Background())
	if err == nil {
		t.Fatal("Test() = nil, want error for dead channel")
	}
	if !strings.Contains(err.Error(), "dead") {
		t.Errorf("error = %v, want it to name the dead channel", err)
	}
	// The healthy channel still received the probe.
	if got := len(live.messages()); got != 1 {
		t.Fatalf("live channel got %d probes, want 1", got)
	}
}

func TestProbeSucceedsWhenAllHealthy(t *testing.T) {
	t.Parallel()

	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	n := newTestNotifier(0.015, 500, a, b)

	if err := n.Test(context.Background()); err != nil {
		t.Fatalf("Test() = %v, want nil", err)
	}
	if len(a.messages()) != 1 || len(b.messages()) != 1 {
		t.Fatalf("probe fan-out = (%d, %d), want (1, 1)", len(a.messages()), len(b.messages()))
	}
}

func TestProbeWithoutChannels(t *testing.T) {
	t.Parallel()

	n := newTestNotifier(0.015, 500)
	if err := n.Test(context.Background()); err == nil {
		t.Fatal("Test() = nil, want error with no channels")
	}
}
