package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallyhq/tally-go/internal/protocol"
)

// MockCollector is an httptest server speaking the ingestion protocol.
// It records every request and answers with a programmable status
// sequence; once the sequence runs out the last status repeats.
type MockCollector struct {
	*httptest.Server

	mu          sync.Mutex
	batches     []protocol.BatchEnvelope
	errors      []protocol.ErrorPayload
	apiKeys     []string
	statuses    []int
	date        time.Time
	trackCalls  int64
	errorCalls  int64
	onTrackCall func()
}

// NewMockCollector starts a collector answering 200 to everything.
func NewMockCollector() *MockCollector {
	m := &MockCollector{}
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.TrackPath, m.handleTrack)
	mux.HandleFunc(protocol.ErrorPath, m.handleError)
	m.Server = httptest.NewServer(mux)
	return m
}

// SetStatuses programs the status codes returned for successive requests.
func (m *MockCollector) SetStatuses(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = statuses
}

// SetDate makes responses carry the given Date header.
func (m *MockCollector) SetDate(date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.date = date
}

// OnTrack registers a hook run at the start of every track request.
func (m *MockCollector) OnTrack(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrackCall = f
}

func (m *MockCollector) nextStatus() int {
	if len(m.statuses) == 0 {
		return http.StatusOK
	}
	status := m.statuses[0]
	if len(m.statuses) > 1 {
		m.statuses = m.statuses[1:]
	}
	return status
}

func (m *MockCollector) respond(w http.ResponseWriter, status int) {
	if !m.date.IsZero() {
		w.Header().Set("Date", m.date.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(status)
}

func (m *MockCollector) handleTrack(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&m.trackCalls, 1)
	m.mu.Lock()
	hook := m.onTrackCall
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	var env protocol.BatchEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.nextStatus()
	if status >= 200 && status < 300 {
		m.batches = append(m.batches, env)
	}
	m.apiKeys = append(m.apiKeys, r.Header.Get(protocol.APIKeyHeader))
	m.respond(w, status)
}

func (m *MockCollector) handleError(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&m.errorCalls, 1)

	var payload protocol.ErrorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.nextStatus()
	if status >= 200 && status < 300 {
		m.errors = append(m.errors, payload)
	}
	m.respond(w, status)
}

// Batches returns the accepted batch envelopes.
func (m *MockCollector) Batches() []protocol.BatchEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.BatchEnvelope, len(m.batches))
	copy(out, m.batches)
	return out
}

// Events returns every accepted event across batches in arrival order.
func (m *MockCollector) Events() []protocol.BatchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.BatchEvent
	for _, b := range m.batches {
		out = append(out, b.Batch...)
	}
	return out
}

// Errors returns the accepted error payloads.
func (m *MockCollector) Errors() []protocol.ErrorPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.ErrorPayload, len(m.errors))
	copy(out, m.errors)
	return out
}

// APIKeys returns the X-API-Key header of every track request.
func (m *MockCollector) APIKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.apiKeys...)
}

// TrackCalls returns the number of track requests received.
func (m *MockCollector) TrackCalls() int64 {
	return atomic.LoadInt64(&m.trackCalls)
}

// ErrorCalls returns the number of error requests received.
func (m *MockCollector) ErrorCalls() int64 {
	return atomic.LoadInt64(&m.errorCalls)
}
