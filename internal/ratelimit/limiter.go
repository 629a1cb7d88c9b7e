// Package ratelimit throttles outgoing telemetry on the client side.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every category, with optional
// per-category buckets layered on top. A zero rate means unlimited.
type Limiter struct {
	now func() time.Time

	mu       sync.Mutex
	global   *rate.Limiter
	category map[Category]*rate.Limiter
}

// New returns a Limiter admitting eventsPerSecond with the given burst.
// now supplies the time used for token accounting.
func New(eventsPerSecond float64, burst int, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		now:      now,
		category: make(map[Category]*rate.Limiter),
	}
	if eventsPerSecond > 0 {
		if burst <= 0 {
			burst = int(eventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l.global = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
	return l
}

// SetCategoryLimit adds a bucket that applies only to c, in addition to the
// shared one. A non-positive rate removes it.
func (l *Limiter) SetCategoryLimit(c Category, eventsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eventsPerSecond <= 0 {
		delete(l.category, c)
		return
	}
	if burst < 1 {
		burst = 1
	}
	l.category[c] = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
}

// Allow reports whether one item of category c may be sent now.
func (l *Limiter) Allow(c Category) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	perCategory := l.category[c]
	l.mu.Unlock()

	if perCategory != nil {
		r := perCategory.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			return false
		}
		if l.global != nil && !l.global.AllowN(now, 1) {
			r.CancelAt(now)
			return false
		}
		return true
	}
	if l.global != nil {
		return l.global.AllowN(now, 1)
	}
	return true
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global == nil && len(l.category) == 0
}
