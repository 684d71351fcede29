package api

import (
	"time"

	"crossarb/internal/config"
	"crossarb/internal/market"
	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// SnapshotProvider is the state surface the engine exposes to the dashboard.
// All methods must be safe for concurrent use.
type SnapshotProvider interface {
	Portfolio() types.PortfolioState
	Breaker() risk.State
	RecentOpportunities(limit int) []types.Opportunity
	QuoteAges() []market.QuoteAge
	Mode() types.ExecutionMode
	Running() bool
}

// recentLimit caps the opportunity list in one snapshot.
const recentLimit = 20

// BuildSnapshot aggregates component state into one dashboard view.
func BuildSnapshot(provider SnapshotProvider, cfg config.Config) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp:     time.Now(),
		ExecutionMode: provider.Mode(),
		EngineRunning: provider.Running(),
		Portfolio:     provider.Portfolio(),
		Breaker:       provider.Breaker(),
		Opportunities: provider.RecentOpportunities(recentLimit),
		QuoteAges:     provider.QuoteAges(),
		Config:        NewConfigSummary(cfg),
	}
}
