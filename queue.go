package tally

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallyhq/tally-go/internal/circuit"
	"github.com/tallyhq/tally-go/internal/clientreport"
	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/debuglog"
	httptransport "github.com/tallyhq/tally-go/internal/http"
	"github.com/tallyhq/tally-go/internal/protocol"
	"github.com/tallyhq/tally-go/internal/storage"
)

const (
	DefaultFlushAt            = 20
	DefaultFlushInterval      = 10 * time.Second
	DefaultMaxPersistedEvents = 100

	maxFlushDepth      = 3
	visibilityCooldown = time.Second

	keyQueue = "queue"
)

var (
	// ErrOffline is reported when a flush is skipped because the host is
	// offline. The events stay queued.
	ErrOffline = errors.New("offline, events kept in queue")

	// ErrCircuitOpen is reported when a flush is skipped because the
	// circuit breaker is open. The events stay queued.
	ErrCircuitOpen = errors.New("circuit breaker open, events kept in queue")

	// ErrMaxFlushDepth is reported when concurrent flushes keep finding
	// new events and the retry chain gives up for now.
	ErrMaxFlushDepth = errors.New("max flush depth reached, flush rescheduled")

	// ErrBeaconRejected is reported when the host beacon refused a batch.
	ErrBeaconRejected = errors.New("beacon rejected batch")

	// ErrQueueClosed is reported for operations on a destroyed queue.
	ErrQueueClosed = errors.New("queue destroyed")
)

// queueConfig is the resolved configuration of an eventQueue.
type queueConfig struct {
	FlushAt            int
	FlushInterval      time.Duration
	MaxPersistedEvents int

	Transport *httptransport.BatchTransport
	Breaker   *circuit.Breaker
	Env       Environment
	// Storage holds the crash recovery snapshot.
	Storage      storage.Storage
	Clock        clock.Clock
	// Reports counts batches discarded because they cannot be encoded.
	Reports      *clientreport.Aggregator
	OnFlushError func(err error, events []*Event)
}

// flushCall is a network flush in progress. result is valid once done is
// closed.
type flushCall struct {
	done   chan struct{}
	result FlushResult
}

// eventQueue batches events and delivers them. At most one network flush
// runs at a time; callers that arrive while one is running wait for it.
type eventQueue struct {
	config queueConfig
	offset clockOffsetEstimator

	// ctx is cancelled on destroy to abort background deliveries.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	items          []*Event
	timer          clock.Timer
	timerGen       uint64
	inflight       *flushCall
	hiddenCooldown bool
	destroyed      bool
	unsubscribe    func()

	background sync.WaitGroup
}

func newQueue(config queueConfig) *eventQueue {
	if config.FlushAt <= 0 {
		config.FlushAt = DefaultFlushAt
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MaxPersistedEvents <= 0 {
		config.MaxPersistedEvents = DefaultMaxPersistedEvents
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Storage == nil {
		config.Storage = storage.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &eventQueue{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}

	q.restore()
	if config.Env != nil {
		q.unsubscribe = config.Env.Subscribe(q.handleHostEvent)
	}
	return q
}

// restore loads the crash recovery snapshot and removes it right away, so
// a second reload cannot deliver the same events again.
func (q *eventQueue) restore() {
	raw, ok := q.config.Storage.Get(keyQueue)
	if !ok {
		return
	}
	if err := q.config.Storage.Remove(keyQueue); err != nil {
		debuglog.Printf("Failed to clear persisted queue: %v", err)
	}

	var events []*Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		debuglog.Printf("Discarding corrupt persisted queue: %v", err)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range events {
		if e != nil {
			q.items = append(q.items, e)
		}
	}
	if len(q.items) > 0 {
		debuglog.Printf("Restored %d events from storage", len(q.items))
		q.scheduleLocked()
	}
}

// persistLocked writes the head of the queue to storage.
func (q *eventQueue) persistLocked() {
	if len(q.items) == 0 {
		if err := q.config.Storage.Remove(keyQueue); err != nil {
			debuglog.Printf("Failed to clear persisted queue: %v", err)
		}
		return
	}
	head := q.items
	if len(head) > q.config.MaxPersistedEvents {
		head = head[:q.config.MaxPersistedEvents]
	}
	b, err := json.Marshal(head)
	if err != nil {
		debuglog.Printf("Failed to encode queue snapshot: %v", err)
		return
	}
	if err := q.config.Storage.Set(keyQueue, string(b)); err != nil {
		debuglog.Printf("Failed to persist queue: %v", err)
	}
}

// Push appends e and triggers a flush once the batch threshold is reached.
// It reports false if the queue has been destroyed.
func (q *eventQueue) Push(e *Event) bool {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.persistLocked()
	n := len(q.items)
	debuglog.Printf("Event queued: %s", e.Label())

	if n >= q.config.FlushAt {
		q.mu.Unlock()
		debuglog.Printf("Batch threshold %d reached, flushing", q.config.FlushAt)
		q.flushAsync()
		return true
	}
	q.scheduleLocked()
	q.mu.Unlock()
	return true
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// scheduleLocked starts the flush timer unless one is already pending.
func (q *eventQueue) scheduleLocked() {
	if q.timer != nil || q.destroyed {
		return
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = q.config.Clock.AfterFunc(q.config.FlushInterval, func() {
		q.mu.Lock()
		if gen != q.timerGen || q.destroyed {
			q.mu.Unlock()
			return
		}
		q.timer = nil
		q.mu.Unlock()
		q.flushAsync()
	})
}

func (q *eventQueue) cancelTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerGen++
	}
}

// flushAsync runs a flush on a background goroutine.
func (q *eventQueue) flushAsync() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.background.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.background.Done()
		q.Flush(q.ctx, false)
	}()
}

// wait blocks until background flushes have returned.
func (q *eventQueue) wait() {
	q.background.Wait()
}

// Flush delivers every queued event. useBeacon selects the teardown path,
// which ignores connectivity and the circuit breaker.
func (q *eventQueue) Flush(ctx context.Context, useBeacon bool) FlushResult {
	if ctx == nil {
		ctx = context.Background()
	}
	return q.flush(ctx, useBeacon, 0)
}

func (q *eventQueue) flush(ctx context.Context, useBeacon bool, depth int) FlushResult {
	if depth >= maxFlushDepth {
		debuglog.Printf("Flush depth %d reached, rescheduling", depth)
		q.mu.Lock()
		q.scheduleLocked()
		q.mu.Unlock()
		return FlushResult{Errors: []error{ErrMaxFlushDepth}}
	}

	q.mu.Lock()
	q.cancelTimerLocked()

	if len(q.items) == 0 {
		q.mu.Unlock()
		return FlushResult{Success: true}
	}

	if !useBeacon && q.config.Env != nil && !q.config.Env.Online() {
		q.scheduleLocked()
		n := len(q.items)
		q.mu.Unlock()
		debuglog.Printf("Offline, keeping %d events queued", n)
		return FlushResult{Errors: []error{ErrOffline}}
	}

	allowed := false
	if !useBeacon {
		if !q.config.Breaker.Allow() {
			q.scheduleLocked()
			n := len(q.items)
			q.mu.Unlock()
			debuglog.Printf("Circuit breaker open, keeping %d events queued", n)
			return FlushResult{Errors: []error{ErrCircuitOpen}}
		}
		allowed = true
	}

	if call := q.inflight; call != nil {
		q.mu.Unlock()
		if allowed {
			q.config.Breaker.Release()
		}
		debuglog.Println("Flush already in progress, waiting")
		select {
		case <-call.done:
		case <-ctx.Done():
			return FlushResult{Errors: []error{ctx.Err()}}
		}
		if q.Len() > 0 {
			return q.flush(ctx, useBeacon, depth+1)
		}
		return call.result
	}

	batch := q.items
	q.items = nil
	q.persistLocked()
	call := &flushCall{done: make(chan struct{})}
	q.inflight = call
	q.mu.Unlock()

	var result FlushResult
	if useBeacon {
		result = q.sendBeacon(batch)
	} else {
		result = q.send(ctx, batch)
	}

	q.mu.Lock()
	q.inflight = nil
	call.result = result
	close(call.done)
	q.mu.Unlock()
	return result
}

func (q *eventQueue) envelope(batch []*Event) *protocol.BatchEnvelope {
	events := make([]protocol.BatchEvent, len(batch))
	for i, e := range batch {
		events[i] = e.wire()
	}
	return &protocol.BatchEnvelope{
		SentAt:      q.config.Clock.Now().UTC(),
		ClockOffset: q.offset.header(),
		Batch:       events,
	}
}

func (q *eventQueue) send(ctx context.Context, batch []*Event) FlushResult {
	debuglog.Printf("Sending batch of %d events", len(batch))
	resp, err := q.config.Transport.Send(ctx, q.envelope(batch))
	if errors.Is(err, protocol.ErrEncode) {
		q.discard(batch, err)
		return FlushResult{EventCount: len(batch), Errors: []error{err}}
	}
	if err != nil {
		q.fail(batch, fmt.Errorf("batch delivery failed: %w", err))
		return FlushResult{EventCount: len(batch), Errors: []error{err}}
	}

	q.offset.observe(resp.SentAt, resp.ReceivedAt, resp.Date)
	q.config.Breaker.RecordSuccess()
	debuglog.Printf("Delivered %d events in %d attempt(s)", len(batch), resp.Attempts)
	return FlushResult{Success: true, EventCount: len(batch)}
}

// sendBeacon hands the batch to the host beacon, falling back to a
// keepalive POST when the host has none or the beacon refuses it. Only an
// explicit refusal counts as a failure; the batch then also stays queued.
func (q *eventQueue) sendBeacon(batch []*Event) FlushResult {
	var sender BeaconSender
	if q.config.Env != nil {
		sender = q.config.Env.Beacon()
	}
	envelope := q.envelope(batch)
	if sender == nil {
		debuglog.Printf("No beacon available, sending %d events with keepalive", len(batch))
		q.config.Transport.SendKeepalive(envelope)
		return FlushResult{Success: true, EventCount: len(batch)}
	}

	if !q.config.Transport.SendBeacon(sender, envelope) {
		debuglog.Printf("Beacon refused %d events, retrying with keepalive", len(batch))
		q.config.Transport.SendKeepalive(envelope)
		q.fail(batch, ErrBeaconRejected)
		return FlushResult{EventCount: len(batch), Errors: []error{ErrBeaconRejected}}
	}
	debuglog.Printf("Beacon accepted %d events", len(batch))
	return FlushResult{Success: true, EventCount: len(batch)}
}

// fail puts batch back at the head of the queue and records the failure.
// Failures caused by destroy are not counted against the endpoint.
func (q *eventQueue) fail(batch []*Event, err error) {
	q.mu.Lock()
	q.items = append(append(make([]*Event, 0, len(batch)+len(q.items)), batch...), q.items...)
	q.persistLocked()
	q.scheduleLocked()
	q.mu.Unlock()

	if q.ctx.Err() != nil {
		return
	}
	q.config.Breaker.RecordFailure()
	debuglog.Printf("%v (requeued %d events)", err, len(batch))

	if q.config.OnFlushError != nil {
		events := make([]*Event, len(batch))
		copy(events, batch)
		q.notifyFlushError(err, events)
	}
}

// discard drops a batch that can never be delivered. The endpoint is not
// at fault, so the breaker is left alone.
func (q *eventQueue) discard(batch []*Event, err error) {
	debuglog.Printf("Discarding %d undeliverable events: %v", len(batch), err)
	for _, e := range batch {
		q.config.Reports.RecordOne(clientreport.ReasonValidation, e.category())
	}
	if q.config.OnFlushError != nil {
		events := make([]*Event, len(batch))
		copy(events, batch)
		q.notifyFlushError(err, events)
	}
}

func (q *eventQueue) notifyFlushError(err error, events []*Event) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Printf("OnFlushError panicked: %v", r)
		}
	}()
	q.config.OnFlushError(err, events)
}

func (q *eventQueue) handleHostEvent(ev HostEvent) {
	switch ev.Kind {
	case HostVisibilityHidden:
		q.mu.Lock()
		if q.hiddenCooldown || q.destroyed {
			q.mu.Unlock()
			return
		}
		q.hiddenCooldown = true
		q.mu.Unlock()
		q.config.Clock.AfterFunc(visibilityCooldown, func() {
			q.mu.Lock()
			q.hiddenCooldown = false
			q.mu.Unlock()
		})
		debuglog.Println("Page hidden, flushing with beacon")
		q.Flush(context.Background(), true)
	case HostBeforeUnload, HostPageHide:
		if q.isDestroyed() {
			return
		}
		debuglog.Printf("Page teardown (%s), flushing with beacon", ev.Kind)
		q.Flush(context.Background(), true)
	case HostOnline:
		debuglog.Println("Back online")
		if q.Len() > 0 {
			q.flushAsync()
		}
	case HostOffline:
		debuglog.Println("Went offline")
	}
}

func (q *eventQueue) isDestroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// Destroy flushes what is left through the beacon path, clears the
// snapshot and detaches from the host. Calling it again does nothing.
func (q *eventQueue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.cancelTimerLocked()
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	q.cancel()
	q.background.Wait()

	q.flush(context.Background(), true, 0)

	if err := q.config.Storage.Remove(keyQueue); err != nil {
		debuglog.Printf("Failed to clear persisted queue: %v", err)
	}
	debuglog.Println("Queue destroyed")
}
