package clientreport

import (
	"time"

	"github.com/tallyhq/tally-go/internal/ratelimit"
)

// OutcomeKey uniquely identifies an outcome bucket for aggregation.
type OutcomeKey struct {
	Reason   DiscardReason
	Category ratelimit.Category
}

// DiscardedEvent represents a single discard event outcome for the OutcomeKey.
type DiscardedEvent struct {
	Reason   DiscardReason      `json:"reason"`
	Category ratelimit.Category `json:"category"`
	Quantity int64              `json:"quantity"`
}

// ClientReport is a point-in-time summary of discarded items.
type ClientReport struct {
	Timestamp       time.Time        `json:"timestamp"`
	DiscardedEvents []DiscardedEvent `json:"discarded_events"`
}

// Total sums the quantities of all discarded events with the given reason.
// An empty reason sums everything.
func (r *ClientReport) Total(reason DiscardReason) int64 {
	if r == nil {
		return 0
	}
	var n int64
	for _, e := range r.DiscardedEvents {
		if reason == "" || e.Reason == reason {
			n += e.Quantity
		}
	}
	return n
}
