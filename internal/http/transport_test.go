package http

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/protocol"
)

// instantClock skips every wait.
type instantClock struct{ clock.Clock }

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func testOptions(host string) TransportOptions {
	return TransportOptions{
		Host:        host,
		APIKey:      "key_test",
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
	}
}

func testEnvelope(n int) *protocol.BatchEnvelope {
	env := &protocol.BatchEnvelope{SentAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	for i := 0; i < n; i++ {
		env.Batch = append(env.Batch, protocol.BatchEvent{
			MessageID:   "m",
			AnonymousID: "anon",
			Event:       "Signed Up",
		})
	}
	return env
}

func TestBatchTransportSuccess(t *testing.T) {
	serverDate := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var gotKey, gotType, gotPath string
	var body protocol.BatchEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotKey = r.Header.Get(protocol.APIKeyHeader)
		gotType = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Date", serverDate.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewBatchTransport(testOptions(server.URL + "/"))
	resp, err := transport.Send(context.Background(), testEnvelope(2))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
	assert.True(t, resp.Date.Equal(serverDate))
	assert.False(t, resp.ReceivedAt.Before(resp.SentAt))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "key_test", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, protocol.TrackPath, gotPath)
	assert.Len(t, body.Batch, 2)
	assert.Empty(t, body.APIKey)
}

func TestBatchTransportMissingDate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Date"] = nil
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	resp, err := NewBatchTransport(testOptions(server.URL)).Send(context.Background(), testEnvelope(1))
	require.NoError(t, err)
	assert.True(t, resp.Date.IsZero())
}

func TestBatchTransportRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		maxRetries   int
		wantCalls    int32
		wantErr      bool
		wantRetrying bool
	}{
		{"recovers after 5xx", []int{500, 503, 200}, 3, 3, false, false},
		{"recovers after 429", []int{429, 200}, 3, 2, false, false},
		{"persistent 5xx exhausts budget", []int{500}, 3, 4, true, true},
		{"4xx consumes full budget", []int{400}, 3, 4, true, false},
		{"no retries configured", []int{502}, 0, 1, true, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				_, _ = io.WriteString(w, "nope")
			}))
			defer server.Close()

			opts := testOptions(server.URL)
			opts.MaxRetries = tt.maxRetries
			_, err := NewBatchTransport(opts).Send(context.Background(), testEnvelope(1))

			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.wantRetrying, statusErr.Retryable)
			assert.Equal(t, "nope", statusErr.Body)
		})
	}
}

func TestBatchTransportNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	host := server.URL
	server.Close()

	opts := testOptions(host)
	opts.MaxRetries = 1
	_, err := NewBatchTransport(opts).Send(context.Background(), testEnvelope(1))
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestBatchTransportAbortsWhenOffline(t *testing.T) {
	var calls int32
	var online atomic.Bool
	online.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		online.Store(false)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.Online = online.Load
	_, err := NewBatchTransport(opts).Send(context.Background(), testEnvelope(1))

	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBatchTransportContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.BaseBackoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewBatchTransport(opts).Send(ctx, testEnvelope(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatchTransportNoHost(t *testing.T) {
	_, err := NewBatchTransport(TransportOptions{}).Send(context.Background(), testEnvelope(1))
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestBackoffBounds(t *testing.T) {
	transport := NewBatchTransport(TransportOptions{Host: "http://x", BaseBackoff: time.Second})
	for attempt := 0; attempt < 4; attempt++ {
		base := time.Second * time.Duration(1<<uint(attempt))
		for i := 0; i < 50; i++ {
			d := transport.Backoff(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/2)
		}
	}
}

type recordingBeacon struct {
	mu     sync.Mutex
	url    string
	body   []byte
	accept bool
}

func (b *recordingBeacon) SendBeacon(url string, body []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = url
	b.body = body
	return b.accept
}

func TestSendBeaconEmbedsAPIKey(t *testing.T) {
	transport := NewBatchTransport(testOptions("https://collector.example"))
	beacon := &recordingBeacon{accept: true}

	ok := transport.SendBeacon(beacon, testEnvelope(1))
	require.True(t, ok)
	assert.Equal(t, "https://collector.example/api/v1/track", beacon.url)

	var env protocol.BatchEnvelope
	require.NoError(t, json.Unmarshal(beacon.body, &env))
	assert.Equal(t, "key_test", env.APIKey)

	beacon.accept = false
	assert.False(t, transport.SendBeacon(beacon, testEnvelope(1)))
}

func TestSendKeepalive(t *testing.T) {
	var env protocol.BatchEnvelope
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewBatchTransport(testOptions(server.URL))
	transport.SendKeepalive(testEnvelope(3))
	transport.WaitKeepalive()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "key_test", env.APIKey)
	assert.Len(t, env.Batch, 3)
}

func TestErrorTransport(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"success", []int{200}, 1, false},
		{"retries 5xx once", []int{500, 200}, 2, false},
		{"retries 429 once", []int{429, 200}, 2, false},
		{"gives up after one retry", []int{500, 500, 200}, 2, true},
		{"does not retry 4xx", []int{400, 200}, 1, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			var path atomic.Value
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				path.Store(r.URL.Path)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			transport := NewErrorTransport(testOptions(server.URL))
			transport.clock = instantClock{transport.clock}
			err := transport.Send(context.Background(), &protocol.ErrorPayload{Message: "boom", Level: "error"})

			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			assert.Equal(t, protocol.ErrorPath, path.Load())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "server error: HTTP 502", (&StatusError{StatusCode: 502}).Error())
	assert.Equal(t, "rate limited: HTTP 429: slow down", (&StatusError{StatusCode: 429, Body: "slow down"}).Error())
	assert.Equal(t, "client error: HTTP 401", (&StatusError{StatusCode: 401}).Error())
	assert.True(t, IsRetryableStatus(503))
	assert.True(t, IsRetryableStatus(429))
	assert.False(t, IsRetryableStatus(404))
}

func TestProxyConfig(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://ingest.example/api/v1/track", nil)

	tests := []struct {
		name    string
		options TransportOptions
		want    string
	}{
		{"http", TransportOptions{HTTPProxy: "http://proxy:3128"}, "http://proxy:3128"},
		{"https wins", TransportOptions{HTTPProxy: "http://proxy:3128", HTTPSProxy: "http://secure:3129"}, "http://secure:3129"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := getProxyConfig(tt.options)(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestNewHTTPClientTLS(t *testing.T) {
	pool := x509.NewCertPool()
	client := newHTTPClient(TransportOptions{CaCerts: pool})
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.Same(t, pool, transport.TLSClientConfig.RootCAs)

	assert.Nil(t, getTLSConfig(TransportOptions{}))

	custom := &http.Client{}
	assert.Same(t, custom, newHTTPClient(TransportOptions{HTTPClient: custom, CaCerts: pool}))
}
