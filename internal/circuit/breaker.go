// Package circuit implements the consecutive-failure circuit breaker that
// guards batch delivery.
//
// CLOSED→OPEN after threshold consecutive failures. OPEN→HALF-OPEN on the
// first Allow after the reset timeout. HALF-OPEN admits one trial: success
// closes the circuit, failure reopens it and restarts the timeout.
package circuit

import (
	"sync"
	"time"

	"github.com/tallyhq/tally-go/internal/clock"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trialPending bool

	threshold    int
	resetTimeout time.Duration
	clock        clock.Clock

	onStateChange func(from, to State)
}

// New returns a closed breaker. A threshold below 1 is treated as 1.
func New(threshold int, resetTimeout time.Duration, c clock.Clock) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if c == nil {
		c = clock.Real()
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        c,
	}
}

// OnStateChange registers a callback invoked after every transition. It
// runs with the breaker lock released.
func (b *Breaker) OnStateChange(f func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = f
}

// Allow reports whether a request may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false
		}
		b.trialPending = true
		notify := b.transitionLocked(HalfOpen)
		b.mu.Unlock()
		notify()
		return true
	default:
		if b.trialPending {
			b.mu.Unlock()
			return false
		}
		b.trialPending = true
		b.mu.Unlock()
		return true
	}
}

// Release returns an unused half-open trial so the next Allow may take
// it. It has no effect in other states.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trialPending = false
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.trialPending = false
	notify := b.transitionLocked(Closed)
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failed request. In half-open state any failure
// reopens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.trialPending = false

	notify := func() {}
	switch b.state {
	case HalfOpen:
		b.openedAt = b.clock.Now()
		notify = b.transitionLocked(Open)
	case Closed:
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			notify = b.transitionLocked(Open)
		}
	case Open:
		b.openedAt = b.clock.Now()
	}
	b.mu.Unlock()
	notify()
}

// State returns the current position without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transitionLocked moves to next and returns the notification to run
// once the lock is released. Caller must hold b.mu.
func (b *Breaker) transitionLocked(next State) func() {
	prev := b.state
	if prev == next {
		return func() {}
	}
	b.state = next
	callback := b.onStateChange
	if callback == nil {
		return func() {}
	}
	return func() { callback(prev, next) }
}
