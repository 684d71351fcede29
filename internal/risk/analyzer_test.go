package risk

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// cleanPair is a well-matched, liquid pair with identical wording and dates.
// Its only contribution is the flat regulatory base of 0.10 (LOW tier).
func cleanPair() types.PairedEvent {
	res := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)
	return types.PairedEvent{
		Kalshi: types.Listing{
			Venue:          types.VenueKalshi,
			NativeID:       "FED-26DEC",
			Question:       "Will the Fed cut rates in December?",
			Description:    "Resolves yes if the FOMC lowers the target range.",
			ResolutionTime: res,
			Liquidity:      50000,
		},
		Polymarket: types.Listing{
			Venue:          types.VenuePolymarket,
			NativeID:       "0xfed",
			Question:       "Will the Fed cut rates in December?",
			Description:    "Resolves yes if the FOMC lowers the target range.",
			ResolutionTime: res,
			Liquidity:      50000,
		},
		Similarity: 1.0,
	}
}

func TestAnalyzeCleanPairIsLow(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	got := a.Analyze(cleanPair(), 1.0, 0.03, 1000)

	if got.Tier != types.RiskLow {
		t.Errorf("tier = %s, want LOW (score %.2f, warnings %v)", got.Tier, got.Score, got.Warnings)
	}
	if got.Multiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", got.Multiplier)
	}
	// Regulatory base is always present.
	if got.Score < 0.10-1e-9 || got.Score > 0.10+1e-9 {
		t.Errorf("score = %v, want 0.10 (regulatory base only)", got.Score)
	}
}

func TestAnalyzeLoadedTokenMismatch(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	pair := cleanPair()
	pair.Kalshi.Question = "Will Smith win the primary in Ohio?"
	pair.Polymarket.Question = "Will Smith win in Ohio?"

	got := a.Analyze(pair, 1.0, 0.03, 1000)

	// primary on one side only: +0.25, plus the 0.10 base = MEDIUM.
	if got.Tier != types.RiskMedium {
		t.Errorf("tier = %s, want MEDIUM (score %.2f)", got.Tier, got.Score)
	}
	if !hasWarning(got.Warnings, "primary") {
		t.Errorf("warnings missing loaded-token mention: %v", got.Warnings)
	}
}

func TestAnalyzePrimaryGeneralMismatchIsCritical(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	pair := cleanPair()
	pair.Kalshi.Question = "Will Smith win the primary election?"
	pair.Kalshi.Description = "Resolves on the primary result."
	pair.Polymarket.Question = "Will Smith win the general election?"
	pair.Polymarket.Description = "Resolves on the general result."

	got := a.Analyze(pair, 1.0, 0.03, 1000)

	// primary +0.25, general +0.25, description clash +0.50, political +0.05,
	// base +0.10: comfortably CRITICAL.
	if got.Tier != types.RiskCritical {
		t.Errorf("tier = %s, want CRITICAL (score %.2f)", got.Tier, got.Score)
	}
	if got.Tier.Executable() {
		t.Error("CRITICAL tier must not be executable")
	}
	if !hasWarning(got.Warnings, "CRITICAL") {
		t.Errorf("warnings missing critical marker: %v", got.Warnings)
	}
}

func TestAnalyzeBorderlineSimilarity(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	tests := []struct {
		name       string
		similarity float64
		wantScore  float64
	}{
		{"well matched", 0.95, 0.10},
		{"lower edge of band", 0.85, 0.40},
		{"inside band", 0.89, 0.40},
		{"at upper bound", 0.90, 0.10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := a.Analyze(cleanPair(), tt.similarity, 0.03, 1000)
			if diff := got.Score - tt.wantScore; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got.Score, tt.wantScore)
			}
		})
	}
}

func TestAnalyzeTimingRisk(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	pair := cleanPair()
	pair.Polymarket.ResolutionTime = pair.Kalshi.ResolutionTime.Add(24 * time.Hour)

	got := a.Analyze(pair, 1.0, 0.03, 1000)

	// differing dates +0.15 plus base 0.10
	if diff := got.Score - 0.25; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want 0.25", got.Score)
	}
	if !hasWarning(got.Warnings, "resolution dates differ") {
		t.Errorf("warnings missing date mismatch: %v", got.Warnings)
	}
}

func TestAnalyzeEarlyResolutionWording(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	pair := cleanPair()
	pair.Kalshi.Question = "Will Congress pass the bill before March?"
	pair.Polymarket.Question = "Will Congress pass the bill before March?"

	got := a.Analyze(pair, 1.0, 0.03, 1000)

	// "before" appears on both sides so the definition dimension stays
	// quiet, but the early-resolution surcharge still applies.
	if diff := got.Score - 0.15; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want 0.15 (base 0.10 + early resolution 0.05)", got.Score)
	}
}

func TestAnalyzeLiquidityRisk(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	tests := []struct {
		name      string
		kalshiLiq float64
		polyLiq   float64
		size      float64
		wantScore float64
	}{
		{"both deep", 50000, 50000, 1000, 0.10},
		{"kalshi shallow", 5000, 50000, 1000, 0.30},
		{"both shallow", 5000, 5000, 1000, 0.50},
		{"exactly at 10pct", 10000, 50000, 1000, 0.10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pair := cleanPair()
			pair.Kalshi.Liquidity = tt.kalshiLiq
			pair.Polymarket.Liquidity = tt.polyLiq

			got := a.Analyze(pair, 1.0, 0.03, tt.size)
			if diff := got.Score - tt.wantScore; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got.Score, tt.wantScore)
			}
		})
	}
}

func TestAnalyzeEdgeRisk(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	tests := []struct {
		name      string
		grossEdge float64
		wantScore float64
	}{
		{"healthy edge", 0.03, 0.10},
		{"thin edge", 0.007, 0.25},
		{"razor thin", 0.004, 0.40},
		{"at half percent", 0.005, 0.25},
		{"at one percent", 0.01, 0.10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := a.Analyze(cleanPair(), 1.0, tt.grossEdge, 1000)
			if diff := got.Score - tt.wantScore; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got.Score, tt.wantScore)
			}
		})
	}
}

func TestAnalyzePoliticalSurcharge(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	pair := cleanPair()
	pair.Kalshi.Question = "Will turnout exceed 60% of registered voters in the election?"
	pair.Polymarket.Question = "Will turnout exceed 60% of registered voters in the election?"

	got := a.Analyze(pair, 1.0, 0.03, 1000)

	if diff := got.Score - 0.15; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want 0.15 (base 0.10 + political 0.05)", got.Score)
	}
	if !hasWarning(got.Warnings, "political") {
		t.Errorf("warnings missing political mention: %v", got.Warnings)
	}
}

func TestAnalyzeEveryDimensionWarns(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(testLogger())

	// Trip every dimension at once.
	pair := cleanPair()
	pair.Kalshi.Question = "Will Smith win the primary election before July?"
	pair.Kalshi.Description = "Resolves on the primary."
	pair.Polymarket.Question = "Will Smith win the general election?"
	pair.Polymarket.Description = "Resolves on the general."
	pair.Polymarket.ResolutionTime = pair.Kalshi.ResolutionTime.Add(48 * time.Hour)
	pair.Kalshi.Liquidity = 100
	pair.Polymarket.Liquidity = 100

	got := a.Analyze(pair, 0.86, 0.004, 5000)

	if got.Tier != types.RiskCritical {
		t.Errorf("tier = %s, want CRITICAL", got.Tier)
	}
	if got.Multiplier != 0.1 {
		t.Errorf("multiplier = %v, want 0.1", got.Multiplier)
	}
	if len(got.Warnings) < 8 {
		t.Errorf("want a warning per contribution, got %d: %v", len(got.Warnings), got.Warnings)
	}
}

func TestTierFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  types.RiskTier
	}{
		{0.0, types.RiskLow},
		{0.29, types.RiskLow},
		{0.30, types.RiskMedium},
		{0.49, types.RiskMedium},
		{0.50, types.RiskHigh},
		{0.69, types.RiskHigh},
		{0.70, types.RiskCritical},
		{1.50, types.RiskCritical},
	}
	for _, tt := range tests {
		if got := tierFor(tt.score); got != tt.want {
			t.Errorf("tierFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
