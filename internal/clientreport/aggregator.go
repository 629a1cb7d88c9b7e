// Package clientreport counts items the SDK dropped before delivery.
package clientreport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallyhq/tally-go/internal/debuglog"
	"github.com/tallyhq/tally-go/internal/ratelimit"
)

// Aggregator collects discarded event outcomes.
// Uses atomic operations to be safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	outcomes map[OutcomeKey]*atomic.Int64
}

// NewAggregator creates a new client report aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		outcomes: make(map[OutcomeKey]*atomic.Int64),
	}
}

// RecordOutcome records a discarded event outcome.
func (a *Aggregator) RecordOutcome(reason DiscardReason, category ratelimit.Category, quantity int64) {
	if a == nil || quantity <= 0 {
		return
	}

	key := OutcomeKey{Reason: reason, Category: category}

	a.mu.Lock()
	counter, exists := a.outcomes[key]
	if !exists {
		counter = &atomic.Int64{}
		a.outcomes[key] = counter
	}
	a.mu.Unlock()

	counter.Add(quantity)
	debuglog.Printf("Dropped %d %s item(s): %s", quantity, category, reason)
}

// RecordOne records a single discarded item.
func (a *Aggregator) RecordOne(reason DiscardReason, category ratelimit.Category) {
	a.RecordOutcome(reason, category, 1)
}

// Count returns the current quantity for one outcome bucket.
func (a *Aggregator) Count(reason DiscardReason, category ratelimit.Category) int64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if counter, ok := a.outcomes[OutcomeKey{Reason: reason, Category: category}]; ok {
		return counter.Load()
	}
	return 0
}

// Snapshot returns the accumulated outcomes without resetting them,
// sorted by reason and category.
func (a *Aggregator) Snapshot() *ClientReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := make([]DiscardedEvent, 0, len(a.outcomes))
	for key, counter := range a.outcomes {
		if quantity := counter.Load(); quantity > 0 {
			events = append(events, DiscardedEvent{
				Reason:   key.Reason,
				Category: key.Category,
				Quantity: quantity,
			})
		}
	}
	sortEvents(events)
	return &ClientReport{Timestamp: time.Now(), DiscardedEvents: events}
}

func sortEvents(events []DiscardedEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Reason != events[j].Reason {
			return events[i].Reason < events[j].Reason
		}
		return events[i].Category < events[j].Category
	})
}
