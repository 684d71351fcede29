// Package risk decides how much (if at all) to trust a matched pair.
//
// Two pieces live here:
//
//   - Analyzer scores one paired event across five additive dimensions
//     (definition, timing, liquidity, edge, regulatory). The aggregate
//     score maps to a RiskTier which scales the position down or blocks
//     execution entirely.
//   - Breaker is a latching circuit breaker over daily loss and drawdown.
//     Once open it refuses every check until an operator resets it.
//
// The analyzer is stateless; the breaker is the only stateful object and
// guards itself with a mutex.
package risk

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crossarb/pkg/types"
)

// loadedTokens are phrases whose presence in only one of the two questions
// signals that the venues may be asking subtly different questions
// ("Will X win the primary?" vs "Will X win?").
var loadedTokens = []string{
	"primary",
	"general",
	"runoff",
	"plurality",
	"majority",
	"at least",
	"more than",
	"by end of",
	"before",
}

// politicalTokens flag a market as politically themed for the regulatory
// dimension.
var politicalTokens = []string{"election", "vote", "campaign", "political"}

// liquidityImpactPct is the fraction of resting liquidity a single position
// may consume before the liquidity dimension fires.
const liquidityImpactPct = 0.10

// Assessment is the analyzer's verdict on one opportunity. Score is the raw
// additive total (it can exceed 1); Multiplier is the recommended size
// scaling for the tier.
type Assessment struct {
	Score      float64        `json:"score"`
	Tier       types.RiskTier `json:"tier"`
	Multiplier float64        `json:"multiplier"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Analyzer scores paired events. It holds no mutable state and is safe for
// concurrent use from every detector invocation.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger.With("component", "risk")}
}

// Analyze scores a paired event given the matcher's similarity, the gross
// edge of the candidate direction, and the tentative position size in quote
// units. Every dimension that contributes to the score also appends a
// human-readable warning, so the alert text explains the tier.
func (a *Analyzer) Analyze(pair types.PairedEvent, similarity, grossEdge, proposedSize float64) Assessment {
	var (
		score    float64
		warnings []string
	)

	qa := strings.ToLower(pair.Kalshi.Question)
	qb := strings.ToLower(pair.Polymarket.Question)

	// 1. Definition risk: the venues may resolve different questions.
	for _, tok := range loadedTokens {
		if strings.Contains(qa, tok) != strings.Contains(qb, tok) {
			score += 0.25
			warnings = append(warnings, fmt.Sprintf("term %q appears in only one venue's question", tok))
		}
	}
	if similarity >= 0.85 && similarity < 0.90 {
		score += 0.30
		warnings = append(warnings, fmt.Sprintf("borderline title match (similarity %.2f)", similarity))
	}
	da := strings.ToLower(pair.Kalshi.Description)
	db := strings.ToLower(pair.Polymarket.Description)
	if (strings.Contains(da, "primary") && strings.Contains(db, "general")) ||
		(strings.Contains(da, "general") && strings.Contains(db, "primary")) {
		score += 0.50
		warnings = append(warnings, "CRITICAL: one venue resolves on the primary, the other on the general election")
	}

	// 2. Timing risk: legs that settle on different days can leave a window
	// where one side has paid out and the other has not.
	ta, tb := pair.Kalshi.ResolutionTime, pair.Polymarket.ResolutionTime
	if !ta.IsZero() && !tb.IsZero() && !sameDay(ta, tb) {
		score += 0.15
		warnings = append(warnings, fmt.Sprintf("resolution dates differ (%s vs %s)",
			ta.Format("2006-01-02"), tb.Format("2006-01-02")))
	}
	if containsAny(qa, "by end of", "before") || containsAny(qb, "by end of", "before") {
		score += 0.05
		warnings = append(warnings, "deadline wording, market may resolve early")
	}

	// 3. Liquidity risk: a fill this size would move the book.
	if proposedSize > pair.Kalshi.Liquidity*liquidityImpactPct {
		score += 0.20
		warnings = append(warnings, fmt.Sprintf("size $%.0f exceeds 10%% of kalshi liquidity ($%.0f)",
			proposedSize, pair.Kalshi.Liquidity))
	}
	if proposedSize > pair.Polymarket.Liquidity*liquidityImpactPct {
		score += 0.20
		warnings = append(warnings, fmt.Sprintf("size $%.0f exceeds 10%% of polymarket liquidity ($%.0f)",
			proposedSize, pair.Polymarket.Liquidity))
	}

	// 4. Edge risk: thin edges evaporate under fees and slippage.
	switch {
	case grossEdge < 0.005:
		score += 0.30
		warnings = append(warnings, fmt.Sprintf("gross edge %.4f below 0.5%%", grossEdge))
	case grossEdge < 0.01:
		score += 0.15
		warnings = append(warnings, fmt.Sprintf("gross edge %.4f below 1%%", grossEdge))
	}

	// 5. Regulatory risk: the blockchain leg has no regulated counterparty,
	// and political markets draw the most scrutiny.
	score += 0.10
	warnings = append(warnings, "polymarket leg carries venue risk")
	if containsAny(qa, politicalTokens...) || containsAny(qb, politicalTokens...) {
		score += 0.05
		warnings = append(warnings, "politically themed market")
	}

	tier := tierFor(score)
	if !tier.Executable() {
		a.logger.Warn("pair scored above executable risk",
			"kalshi", pair.Kalshi.NativeID,
			"polymarket", pair.Polymarket.NativeID,
			"score", score,
			"tier", tier,
		)
	}

	return Assessment{
		Score:      score,
		Tier:       tier,
		Multiplier: tier.Multiplier(),
		Warnings:   warnings,
	}
}

// tierFor maps an aggregate score to its tier bucket.
func tierFor(score float64) types.RiskTier {
	switch {
	case score < 0.3:
		return types.RiskLow
	case score < 0.5:
		return types.RiskMedium
	case score < 0.7:
		return types.RiskHigh
	default:
		return types.RiskCritical
	}
}

func containsAny(s string, tokens ...string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
