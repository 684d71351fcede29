// Package match pairs equivalent binary markets across the two venues.
//
// Two listings pair when their questions are semantically close and their
// resolution dates agree. The combined similarity is
//
//	0.7*lcsRatio(normalized questions) + 0.3*jaccard(keyword sets)
//
// where lcsRatio is the longest-common-subsequence length normalized by the
// mean string length, and keywords are normalized tokens longer than two
// characters. A pair is accepted when the combined score clears the
// threshold (default 0.85) and the resolution dates differ by at most the
// tolerance (default 24h); listings without a parseable date match
// leniently. The matcher holds no state between calls.
package match

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"crossarb/pkg/types"
)

// Defaults used by the engine; callers may tune both knobs.
const (
	DefaultThreshold     = 0.85
	DefaultDateTolerance = 24 * time.Hour
)

// stopWords are dropped from questions before scoring. Auxiliary verbs and
// prepositions carry no event identity and differ wildly between venues'
// question styles.
var stopWords = map[string]bool{
	"will": true, "the": true, "be": true, "by": true, "on": true,
	"in": true, "at": true, "to": true, "a": true, "an": true,
	"is": true, "are": true, "was": true, "were": true, "have": true,
	"has": true, "had": true, "for": true, "of": true,
}

// Matcher scores and pairs listings. Safe for concurrent use.
type Matcher struct {
	threshold     float64
	dateTolerance time.Duration
	log           *slog.Logger
}

// NewMatcher returns a matcher with the given acceptance threshold and
// resolution-date tolerance. A nil logger falls back to slog.Default.
func NewMatcher(threshold float64, dateTolerance time.Duration, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		threshold:     threshold,
		dateTolerance: dateTolerance,
		log:           logger.With("component", "matcher"),
	}
}

// Normalize lower-cases, strips punctuation, collapses whitespace, and drops
// stop words. The result is the canonical form used for similarity scoring.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, w := range fields {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// Keywords returns the normalized tokens longer than two characters.
func Keywords(text string) map[string]bool {
	kw := make(map[string]bool)
	for _, w := range strings.Fields(Normalize(text)) {
		if len(w) > 2 {
			kw[w] = true
		}
	}
	return kw
}

// Similarity is the combined text score for two raw questions, in [0, 1].
// Symmetric: Similarity(a, b) == Similarity(b, a).
func (m *Matcher) Similarity(q1, q2 string) float64 {
	text := lcsRatio(Normalize(q1), Normalize(q2))
	keywords := jaccard(Keywords(q1), Keywords(q2))
	return 0.7*text + 0.3*keywords
}

// Match reports whether two listings pair, and the combined similarity.
// Listings with an empty question never match.
func (m *Matcher) Match(a, b types.Listing) (bool, float64) {
	if a.Question == "" || b.Question == "" {
		return false, 0
	}
	score := m.Similarity(a.Question, b.Question)
	if score < m.threshold {
		return false, score
	}
	if !m.datesAgree(a.ResolutionTime, b.ResolutionTime) {
		return false, score
	}
	return true, score
}

// Pairs runs the greedy pairing: for each Kalshi listing, the best-scoring
// Polymarket listing above threshold wins; score ties break toward the
// lexically smaller native id so a stable input order yields a
// deterministic pairing.
func (m *Matcher) Pairs(kalshi, polymarket []types.Listing) []types.PairedEvent {
	var pairs []types.PairedEvent

	for _, km := range kalshi {
		var best *types.Listing
		bestScore := 0.0

		for i := range polymarket {
			pm := &polymarket[i]
			ok, score := m.Match(km, *pm)
			if !ok {
				continue
			}
			if best == nil || score > bestScore || (score == bestScore && pm.NativeID < best.NativeID) {
				best = pm
				bestScore = score
			}
		}

		if best != nil {
			pairs = append(pairs, types.PairedEvent{
				Kalshi:     km,
				Polymarket: *best,
				Similarity: bestScore,
			})
			m.log.Debug("matched pair",
				"kalshi", km.NativeID,
				"polymarket", best.NativeID,
				"score", bestScore)
		}
	}

	// Highest-confidence pairs first so downstream top-N cuts keep the best.
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Similarity > pairs[j].Similarity
	})

	m.log.Info("pairing complete",
		"kalshi_markets", len(kalshi),
		"polymarket_markets", len(polymarket),
		"pairs", len(pairs))
	return pairs
}

// datesAgree applies the tolerance. A missing date on either side passes;
// venues frequently omit resolution timestamps.
func (m *Matcher) datesAgree(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= m.dateTolerance
}

// jaccard is |a∩b| / |a∪b|; zero when either set is empty.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// lcsRatio is 2*LCS(a,b) / (len(a)+len(b)) over runes. Identical strings
// score 1.0, disjoint strings 0.0.
func lcsRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	// Single-row DP keeps the memory bill at O(min side).
	if len(rb) > len(ra) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// dateLayouts are the accepted resolution-date formats, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z",
	"01/02/2006",
	"02/01/2006",
}

// ParseDate parses a venue-reported resolution date. Both venue clients run
// their raw payload dates through this so format tolerance lives in one
// place. Returns the zero time when no layout fits.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
