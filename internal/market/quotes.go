// Package market keeps the engine's live market-data state: the most recent
// quote pair for every matched cross-venue event, with staleness tracking.
//
// The cache is written by the engine once per tick and read concurrently by
// the dashboard snapshot; all access is RWMutex protected.
package market

import (
	"sort"
	"sync"
	"time"

	"crossarb/pkg/types"
)

// PairQuotes is the four best prices for one matched event at one instant.
type PairQuotes struct {
	Kalshi     types.Quote
	Polymarket types.Quote
	UpdatedAt  time.Time
}

// Live reports whether all four sides are present.
func (p PairQuotes) Live() bool {
	return p.Kalshi.Live() && p.Polymarket.Live()
}

// QuoteAge is one cache entry's freshness, shaped for the dashboard.
type QuoteAge struct {
	Pair       string  `json:"pair"`
	AgeSeconds float64 `json:"age_seconds"`
	Live       bool    `json:"live"`
}

// QuoteCache stores the latest PairQuotes per matched pair.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]PairQuotes

	now func() time.Time
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes: make(map[string]PairQuotes),
		now:    time.Now,
	}
}

// PairKey identifies one matched pair in the cache. The venue ids are joined
// with "|" since the Polymarket token pair already contains ":".
func PairKey(pair types.PairedEvent) string {
	return pair.Kalshi.NativeID + "|" + pair.Polymarket.NativeID
}

// Put records the latest quotes for a pair.
func (c *QuoteCache) Put(pair types.PairedEvent, kalshi, poly types.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quotes[PairKey(pair)] = PairQuotes{
		Kalshi:     kalshi,
		Polymarket: poly,
		UpdatedAt:  c.now(),
	}
}

// Get returns the cached quotes for a pair.
func (c *QuoteCache) Get(pair types.PairedEvent) (PairQuotes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[PairKey(pair)]
	return q, ok
}

// IsStale reports whether the pair's quotes are older than maxAge or absent.
func (c *QuoteCache) IsStale(pair types.PairedEvent, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[PairKey(pair)]
	if !ok {
		return true
	}
	return c.now().Sub(q.UpdatedAt) > maxAge
}

// Ages lists every entry's freshness, oldest first.
func (c *QuoteCache) Ages() []QuoteAge {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]QuoteAge, 0, len(c.quotes))
	for key, q := range c.quotes {
		out = append(out, QuoteAge{
			Pair:       key,
			AgeSeconds: now.Sub(q.UpdatedAt).Seconds(),
			Live:       q.Live(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgeSeconds != out[j].AgeSeconds {
			return out[i].AgeSeconds > out[j].AgeSeconds
		}
		return out[i].Pair < out[j].Pair
	})
	return out
}

// Prune drops entries older than maxAge and returns how many were removed.
// Keeps the cache from accumulating pairs that stopped matching.
func (c *QuoteCache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for key, q := range c.quotes {
		if q.UpdatedAt.Before(cutoff) {
			delete(c.quotes, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached pairs.
func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
