package tally

import (
	"math"
	"sync"
	"time"
)

const (
	// clockOffsetThreshold is the skew below which samples are ignored
	// and the smoothed offset is not reported.
	clockOffsetThreshold = 1000.0
	clockOffsetSmoothing = 0.7
)

// clockOffsetEstimator tracks how far the local clock is from the
// server's, in milliseconds, as an exponential moving average.
//
// Samples whose magnitude does not exceed the threshold are discarded,
// so a small skew that grows slowly is never picked up.
type clockOffsetEstimator struct {
	mu     sync.Mutex
	offset float64
}

// observe folds one response into the estimate. sent and received bracket
// the request; serverDate is the response's Date header.
func (e *clockOffsetEstimator) observe(sent, received, serverDate time.Time) {
	if serverDate.IsZero() {
		return
	}
	rtt := received.Sub(sent)
	midpoint := sent.Add(rtt / 2)
	instant := float64(serverDate.Sub(midpoint)) / float64(time.Millisecond)
	if math.Abs(instant) <= clockOffsetThreshold {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset = clockOffsetSmoothing*e.offset + (1-clockOffsetSmoothing)*instant
}

// current returns the smoothed offset in milliseconds.
func (e *clockOffsetEstimator) current() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// header returns the offset to put on an outgoing envelope, or nil when
// it is not significant.
func (e *clockOffsetEstimator) header() *int64 {
	offset := e.current()
	if math.Abs(offset) <= clockOffsetThreshold {
		return nil
	}
	ms := int64(math.Round(offset))
	return &ms
}
