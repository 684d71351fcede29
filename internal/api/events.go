package api

import (
	"time"

	"crossarb/internal/risk"
	"crossarb/pkg/types"
)

// Event wraps everything pushed over the dashboard socket.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Event types broadcast by the engine.
const (
	EventSnapshot    = "snapshot"
	EventOpportunity = "opportunity"
	EventExecution   = "execution"
	EventHalt        = "halt"
	EventSummary     = "summary"
)

// HaltPayload carries the trip reason plus the breaker view at trip time.
type HaltPayload struct {
	Reason  string     `json:"reason"`
	Breaker risk.State `json:"breaker"`
}

// SummaryPayload pairs the trailing-day aggregates with current balances.
type SummaryPayload struct {
	Summary   types.PerformanceSummary `json:"summary"`
	Portfolio types.PortfolioState     `json:"portfolio"`
}

// NewOpportunityEvent wraps one detection.
func NewOpportunityEvent(opp types.Opportunity) Event {
	return Event{Type: EventOpportunity, Timestamp: time.Now(), Data: opp}
}

// NewExecutionEvent wraps one dispatch outcome.
func NewExecutionEvent(result types.ExecutionResult) Event {
	return Event{Type: EventExecution, Timestamp: time.Now(), Data: result}
}

// NewHaltEvent wraps a circuit-breaker trip.
func NewHaltEvent(reason string, breaker risk.State) Event {
	return Event{Type: EventHalt, Timestamp: time.Now(), Data: HaltPayload{Reason: reason, Breaker: breaker}}
}

// NewSummaryEvent wraps the daily summary.
func NewSummaryEvent(summary types.PerformanceSummary, portfolio types.PortfolioState) Event {
	return Event{Type: EventSummary, Timestamp: time.Now(), Data: SummaryPayload{Summary: summary, Portfolio: portfolio}}
}

// newSnapshotEvent wraps the initial state sent to a connecting client.
func newSnapshotEvent(snapshot DashboardSnapshot) Event {
	return Event{Type: EventSnapshot, Timestamp: time.Now(), Data: snapshot}
}
