package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/debuglog"
	"github.com/tallyhq/tally-go/internal/protocol"
)

const (
	defaultTimeout     = time.Second * 30
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second

	// errorRetryDelay is the fixed pause before the single retry of an
	// error report.
	errorRetryDelay = time.Second
)

// maxDrainResponseBytes is the maximum number of bytes that transport
// implementations will read from response bodies when draining them.
//
// The ingestion API responses are short and the SDK doesn't need their
// contents. However, the net/http HTTP client requires response bodies to
// be fully drained (and closed) for TCP keep-alive to work.
const maxDrainResponseBytes = 16 << 10

var (
	// ErrOffline is returned when the host loses connectivity while a
	// retry loop is still running.
	ErrOffline = errors.New("went offline during retry")

	// ErrNoHost is returned when the transport has no endpoint configured.
	ErrNoHost = errors.New("transport host not configured")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	// Retryable is true for 429 and 5xx responses.
	Retryable bool
}

func (e *StatusError) Error() string {
	kind := "client error"
	if e.StatusCode >= 500 {
		kind = "server error"
	} else if e.StatusCode == http.StatusTooManyRequests {
		kind = "rate limited"
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", kind, e.StatusCode, e.Body)
}

// IsRetryableStatus reports whether a response status is worth retrying.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// BeaconSender is the host's fire-and-forget teardown transport. It cannot
// set headers. SendBeacon reports whether the host accepted the payload
// for delivery.
type BeaconSender interface {
	SendBeacon(url string, body []byte) bool
}

// TransportOptions contains the configuration needed by the HTTP transports.
type TransportOptions struct {
	Host          string
	APIKey        string
	HTTPClient    *http.Client
	HTTPTransport http.RoundTripper
	HTTPProxy     string
	HTTPSProxy    string
	CaCerts       *x509.CertPool

	// MaxRetries is the number of attempts after the first. Negative
	// values mean no retries.
	MaxRetries int
	// BaseBackoff is the delay unit of the exponential backoff.
	BaseBackoff time.Duration
	// Online reports host connectivity. Nil means always online.
	Online func() bool
	Clock  clock.Clock
}

func getProxyConfig(options TransportOptions) func(*http.Request) (*url.URL, error) {
	if options.HTTPSProxy != "" {
		return func(*http.Request) (*url.URL, error) {
			return url.Parse(options.HTTPSProxy)
		}
	}

	if options.HTTPProxy != "" {
		return func(*http.Request) (*url.URL, error) {
			return url.Parse(options.HTTPProxy)
		}
	}

	return http.ProxyFromEnvironment
}

func getTLSConfig(options TransportOptions) *tls.Config {
	if options.CaCerts != nil {
		// #nosec G402 -- callers that pin their own pool pick the version.
		return &tls.Config{
			RootCAs: options.CaCerts,
		}
	}

	return nil
}

func newHTTPClient(options TransportOptions) *http.Client {
	if options.HTTPClient != nil {
		return options.HTTPClient
	}
	transport := options.HTTPTransport
	if transport == nil {
		transport = &http.Transport{
			Proxy:           getProxyConfig(options),
			TLSClientConfig: getTLSConfig(options),
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}
}

// endpoint holds what both transports need to build a request.
type endpoint struct {
	host   string
	apiKey string
	client *http.Client
	clock  clock.Clock
	online func() bool
}

func newEndpoint(options TransportOptions) endpoint {
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	online := options.Online
	if online == nil {
		online = func() bool { return true }
	}
	return endpoint{
		host:   strings.TrimRight(options.Host, "/"),
		apiKey: options.APIKey,
		client: newHTTPClient(options),
		clock:  c,
		online: online,
	}
}

func (e endpoint) url(path string) string {
	return e.host + path
}

func (e endpoint) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(protocol.APIKeyHeader, e.apiKey)
	return r, nil
}

// do performs one request and converts non-2xx responses to *StatusError.
// The response body is always drained and closed.
func (e endpoint) do(r *http.Request) (*http.Response, error) {
	response, err := e.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.CopyN(io.Discard, response.Body, maxDrainResponseBytes)
		return response, nil
	}

	body, _ := io.ReadAll(io.LimitReader(response.Body, maxDrainResponseBytes))
	return response, &StatusError{
		StatusCode: response.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Retryable:  IsRetryableStatus(response.StatusCode),
	}
}

// Response describes a successful batch delivery.
type Response struct {
	StatusCode int
	// Date is the server's Date header. Zero when absent or unparseable.
	Date time.Time
	// SentAt and ReceivedAt bracket the successful request, for round
	// trip estimation.
	SentAt     time.Time
	ReceivedAt time.Time
	Attempts   int
}

// BatchTransport delivers batch envelopes with exponential backoff.
type BatchTransport struct {
	endpoint
	maxRetries  int
	baseBackoff time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	keepalive sync.WaitGroup
}

// NewBatchTransport returns a transport for the track endpoint.
func NewBatchTransport(options TransportOptions) *BatchTransport {
	maxRetries := options.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := options.BaseBackoff
	if backoff <= 0 {
		backoff = defaultBaseBackoff
	}
	return &BatchTransport{
		endpoint:    newEndpoint(options),
		maxRetries:  maxRetries,
		baseBackoff: backoff,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DefaultMaxRetries is used when the caller leaves retries unset.
func DefaultMaxRetries() int { return defaultMaxRetries }

// URL returns the track endpoint.
func (t *BatchTransport) URL() string { return t.url(protocol.TrackPath) }

// Backoff returns the delay before retry number attempt+1: 2^attempt base
// units plus up to 50% random jitter.
func (t *BatchTransport) Backoff(attempt int) time.Duration {
	base := t.baseBackoff * time.Duration(1<<uint(attempt))
	t.rngMu.Lock()
	jitter := time.Duration(t.rng.Float64() * 0.5 * float64(base))
	t.rngMu.Unlock()
	return base + jitter
}

// Send posts envelope, retrying transport failures, 429 and 5xx responses.
//
// Other 4xx responses produce a non-retryable *StatusError but still go
// through the attempt budget like any other failure.
func (t *BatchTransport) Send(ctx context.Context, envelope *protocol.BatchEnvelope) (*Response, error) {
	if t.host == "" {
		return nil, ErrNoHost
	}
	body, err := protocol.Encode(envelope)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if !t.online() {
				debuglog.Printf("Went offline, aborting retries after %d attempts", attempt)
				return nil, ErrOffline
			}
			delay := t.Backoff(attempt - 1)
			debuglog.Printf("Retrying batch of %d events in %v (attempt %d/%d): %v",
				len(envelope.Batch), delay, attempt+1, t.maxRetries+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.clock.After(delay):
			}
			if !t.online() {
				debuglog.Printf("Went offline during backoff, aborting retries")
				return nil, ErrOffline
			}
		}

		request, err := t.newRequest(ctx, protocol.TrackPath, body)
		if err != nil {
			return nil, err
		}

		sentAt := t.clock.Now()
		response, err := t.do(request)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				lastErr = statusErr
				if !statusErr.Retryable {
					debuglog.Printf("Batch rejected with non-retryable status %d", statusErr.StatusCode)
				}
			} else {
				lastErr = fmt.Errorf("send batch: %w", err)
			}
			continue
		}

		result := &Response{
			StatusCode: response.StatusCode,
			SentAt:     sentAt,
			ReceivedAt: t.clock.Now(),
			Attempts:   attempt + 1,
		}
		if date := response.Header.Get("Date"); date != "" {
			if parsed, err := http.ParseTime(date); err == nil {
				result.Date = parsed
			}
		}
		return result, nil
	}
	return nil, lastErr
}

// SendKeepalive posts envelope on a background goroutine and ignores the
// outcome. It is the teardown fallback when no beacon is available, so
// the API key travels in the body as with a beacon.
func (t *BatchTransport) SendKeepalive(envelope *protocol.BatchEnvelope) {
	if t.host == "" {
		return
	}
	envelope.APIKey = t.apiKey
	body, err := protocol.Encode(envelope)
	if err != nil {
		debuglog.Printf("Keepalive encode failed: %v", err)
		return
	}

	t.keepalive.Add(1)
	go func() {
		defer t.keepalive.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		request, err := t.newRequest(ctx, protocol.TrackPath, body)
		if err != nil {
			return
		}
		if _, err := t.do(request); err != nil {
			debuglog.Printf("Keepalive delivery failed: %v", err)
		}
	}()
}

// SendBeacon hands envelope to sender with the API key embedded. It
// reports whether the beacon accepted the payload.
func (t *BatchTransport) SendBeacon(sender BeaconSender, envelope *protocol.BatchEnvelope) bool {
	envelope.APIKey = t.apiKey
	body, err := protocol.Encode(envelope)
	if err != nil {
		debuglog.Printf("Beacon encode failed: %v", err)
		return false
	}
	return sender.SendBeacon(t.URL(), body)
}

// WaitKeepalive blocks until background keepalive posts have finished.
func (t *BatchTransport) WaitKeepalive() {
	t.keepalive.Wait()
}

// ErrorTransport posts individual error reports.
type ErrorTransport struct {
	endpoint
}

// NewErrorTransport returns a transport for the error endpoint.
func NewErrorTransport(options TransportOptions) *ErrorTransport {
	return &ErrorTransport{endpoint: newEndpoint(options)}
}

// Send posts payload with at most one retry after a fixed delay. 4xx
// responses other than 429 are not retried.
func (t *ErrorTransport) Send(ctx context.Context, payload *protocol.ErrorPayload) error {
	if t.host == "" {
		return ErrNoHost
	}
	body, err := protocol.Encode(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.clock.After(errorRetryDelay):
			}
		}

		request, err := t.newRequest(ctx, protocol.ErrorPath, body)
		if err != nil {
			return err
		}
		if _, err := t.do(request); err != nil {
			lastErr = err
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable {
				return statusErr
			}
			debuglog.Printf("Error report delivery failed: %v", err)
			continue
		}
		return nil
	}
	return lastErr
}
