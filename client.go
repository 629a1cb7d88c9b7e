package tally

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tallyhttpclient "github.com/tallyhq/tally-go/httpclient"
	"github.com/tallyhq/tally-go/internal/broadcast"
	"github.com/tallyhq/tally-go/internal/circuit"
	"github.com/tallyhq/tally-go/internal/clientreport"
	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/debuglog"
	httptransport "github.com/tallyhq/tally-go/internal/http"
	"github.com/tallyhq/tally-go/internal/ratelimit"
	"github.com/tallyhq/tally-go/internal/storage"
	"github.com/tallyhq/tally-go/internal/util"
)

const (
	DefaultHost                       = "https://api.tally.dev"
	DefaultCircuitBreakerThreshold    = 5
	DefaultCircuitBreakerResetTimeout = 30 * time.Second

	broadcastChannelName = "tally"
)

// ErrMissingAPIKey is returned by NewClient when no API key is configured.
var ErrMissingAPIKey = errors.New("tally: APIKey is required")

// Storage is a string key-value store. Implementations must be safe for
// concurrent use.
type Storage = storage.Storage

// BroadcastHub connects clients that share identity, the way tabs of one
// origin do.
type BroadcastHub = broadcast.Hub

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() Storage { return storage.NewMemory() }

// NewBroadcastHub returns a hub isolated from the process-wide default.
func NewBroadcastHub() *BroadcastHub { return broadcast.NewHub() }

// ClientOptions that configure a Client. Zero values select the defaults
// documented on each field.
type ClientOptions struct {
	// APIKey identifies the project. Required.
	APIKey string
	// Host is the ingestion base URL. Defaults to DefaultHost.
	Host string
	// Debug enables diagnostic output on DebugWriter. The debug logger is
	// process-wide, so the most recently created client decides.
	Debug bool
	// DebugWriter receives debug output. Defaults to os.Stderr.
	DebugWriter io.Writer

	// FlushAt is the queue length that triggers a flush. Defaults to 20.
	FlushAt int
	// FlushInterval is how long a partial batch waits. Defaults to 10s.
	FlushInterval time.Duration
	// MaxRetries is the number of extra attempts per batch. Defaults to 3;
	// use a negative value to disable retries.
	MaxRetries int
	// RetryBaseDelay is the base of the exponential backoff. Defaults to 1s.
	RetryBaseDelay time.Duration
	// CircuitBreakerThreshold is the number of consecutive failed flushes
	// that opens the circuit. Defaults to 5.
	CircuitBreakerThreshold int
	// CircuitBreakerResetTimeout is how long the circuit stays open.
	// Defaults to 30s.
	CircuitBreakerResetTimeout time.Duration
	// MaxPersistedEvents bounds the crash recovery snapshot. Defaults to 100.
	MaxPersistedEvents int

	SessionTimeout    time.Duration
	AnonymousIDMaxAge time.Duration

	RespectDNT     bool
	DefaultConsent []ConsentCategory

	// SampleRate is the fraction of events kept, in (0, 1]. Zero keeps
	// everything.
	SampleRate float64
	// RateLimit caps events per second. Zero is unlimited.
	RateLimit      float64
	RateLimitBurst int
	// RateLimits adds per event type caps on top of RateLimit.
	RateLimits map[EventType]TypeRateLimit

	// BeforeSend may modify or drop (return nil) an event before it is
	// queued. It receives a copy.
	BeforeSend func(event *Event) *Event
	// OnFlushError is called with the events of every failed delivery.
	OnFlushError func(err error, events []*Event)

	// CaptureErrors installs error capture on the Environment.
	CaptureErrors  bool
	CaptureConsole bool
	CaptureNetwork bool
	MaxBreadcrumbs int
	// BeforeSendError may modify or drop (return nil) an error payload.
	BeforeSendError func(payload *ErrorPayload) *ErrorPayload

	// Environment is the host. Defaults to NewHost().
	Environment Environment
	// Storage holds identity, consent and the queue snapshot. Defaults to
	// DurableStoragePath if set, else memory.
	Storage Storage
	// DurableStoragePath opens a SQLite database for Storage, falling back
	// to memory when writes fail.
	DurableStoragePath string
	// BroadcastHub defaults to the process-wide hub.
	BroadcastHub *BroadcastHub

	// HTTPClient takes precedence over HTTPTransport.
	HTTPClient    *http.Client
	HTTPTransport http.RoundTripper
	// HTTPProxy is an HTTP proxy URL used for all requests. Without it or
	// HTTPSProxy the proxy environment variables apply.
	HTTPProxy string
	// HTTPSProxy takes precedence over HTTPProxy.
	HTTPSProxy string
	// CaCerts replaces the system root certificates. Proxy and CA settings
	// are ignored when HTTPClient or HTTPTransport is set.
	CaCerts *x509.CertPool

	clock clock.Clock
}

// TypeRateLimit is a token bucket for one event type.
type TypeRateLimit struct {
	PerSecond float64
	Burst     int
}

// Client is the analytics facade. It is safe for concurrent use.
type Client struct {
	options ClientOptions

	clock   clock.Clock
	env     Environment
	store   Storage
	closers []io.Closer
	channel *broadcast.Channel

	session   *Session
	privacy   *Privacy
	breaker   *circuit.Breaker
	transport *httptransport.BatchTransport
	queue     *eventQueue
	errors    *errorCapture
	limiter   *ratelimit.Limiter
	reports   *clientreport.Aggregator

	randMu sync.Mutex
	rand   *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient resolves options and starts the pipeline.
func NewClient(options ClientOptions) (*Client, error) {
	debugWriter := io.Discard
	if options.Debug {
		debugWriter = options.DebugWriter
		if debugWriter == nil {
			debugWriter = os.Stderr
		}
	}
	debuglog.SetOutput(debugWriter)
	if strings.TrimSpace(options.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if options.SampleRate < 0 || options.SampleRate > 1 {
		return nil, fmt.Errorf("tally: SampleRate must be within [0, 1], got %v", options.SampleRate)
	}
	for eventType := range options.RateLimits {
		if c := ratelimit.Category(eventType); c == ratelimit.CategoryAll || c == ratelimit.CategoryError || !c.Known() {
			return nil, fmt.Errorf("tally: RateLimits has unknown event type %q", eventType)
		}
	}
	if options.Host == "" {
		options.Host = DefaultHost
	}
	options.Host = strings.TrimRight(options.Host, "/")
	if options.SampleRate == 0 {
		options.SampleRate = 1
	}
	if options.MaxRetries == 0 {
		options.MaxRetries = httptransport.DefaultMaxRetries()
	} else if options.MaxRetries < 0 {
		options.MaxRetries = 0
	}
	if options.CircuitBreakerThreshold <= 0 {
		options.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if options.CircuitBreakerResetTimeout <= 0 {
		options.CircuitBreakerResetTimeout = DefaultCircuitBreakerResetTimeout
	}
	if options.MaxBreadcrumbs <= 0 {
		options.MaxBreadcrumbs = DefaultMaxBreadcrumbs
	}
	if options.clock == nil {
		options.clock = clock.Real()
	}
	if options.Environment == nil {
		options.Environment = NewHost()
	}
	if options.BroadcastHub == nil {
		options.BroadcastHub = broadcast.DefaultHub()
	}

	client := &Client{
		options: options,
		clock:   options.clock,
		env:     options.Environment,
		reports: clientreport.NewAggregator(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:  make(chan struct{}),
	}

	if err := client.setupStorage(); err != nil {
		return nil, err
	}

	client.channel = options.BroadcastHub.Open(broadcastChannelName)
	client.session = NewSession(client.store, client.clock, client.channel, SessionOptions{
		SessionTimeout:    options.SessionTimeout,
		AnonymousIDMaxAge: options.AnonymousIDMaxAge,
	})
	client.privacy = NewPrivacy(client.store, client.env, PrivacyOptions{
		RespectDNT:     options.RespectDNT,
		DefaultConsent: options.DefaultConsent,
	})
	client.limiter = ratelimit.New(options.RateLimit, options.RateLimitBurst, client.clock.Now)
	for eventType, limit := range options.RateLimits {
		client.limiter.SetCategoryLimit(ratelimit.Category(eventType), limit.PerSecond, limit.Burst)
	}
	if !client.limiter.Unlimited() {
		debuglog.Printf("Rate limiting enabled (%v/s, %d per type limits)", options.RateLimit, len(options.RateLimits))
	}

	client.breaker = circuit.New(options.CircuitBreakerThreshold, options.CircuitBreakerResetTimeout, client.clock)
	client.breaker.OnStateChange(func(from, to circuit.State) {
		debuglog.Printf("Circuit breaker %s -> %s", from, to)
	})

	transportOptions := httptransport.TransportOptions{
		Host:          options.Host,
		APIKey:        options.APIKey,
		HTTPClient:    options.HTTPClient,
		HTTPTransport: options.HTTPTransport,
		HTTPProxy:     options.HTTPProxy,
		HTTPSProxy:    options.HTTPSProxy,
		CaCerts:       options.CaCerts,
		MaxRetries:    options.MaxRetries,
		BaseBackoff:   options.RetryBaseDelay,
		Online:        client.env.Online,
	}
	client.transport = httptransport.NewBatchTransport(transportOptions)

	client.queue = newQueue(queueConfig{
		FlushAt:            options.FlushAt,
		FlushInterval:      options.FlushInterval,
		MaxPersistedEvents: options.MaxPersistedEvents,
		Transport:          client.transport,
		Breaker:            client.breaker,
		Env:                client.env,
		Storage:            client.store,
		Clock:              client.clock,
		Reports:            client.reports,
		OnFlushError:       options.OnFlushError,
	})

	client.errors = newErrorCapture(errorCaptureConfig{
		Transport:        httptransport.NewErrorTransport(transportOptions),
		Session:          client.session,
		Env:              client.env,
		Clock:            client.clock,
		MaxBreadcrumbs:   options.MaxBreadcrumbs,
		CaptureConsole:   options.CaptureConsole,
		CaptureNetwork:   options.CaptureNetwork,
		IgnoredURLPrefix: options.Host,
		BeforeSend:       options.BeforeSendError,
		Allowed:          client.privacy.ShouldTrack,
		Reports:          client.reports,
	})
	if options.CaptureErrors {
		client.errors.Install()
	}

	debuglog.Printf("Client initialized for %s (flushAt=%d, interval=%s)",
		client.transport.URL(), client.queue.config.FlushAt, client.queue.config.FlushInterval)
	return client, nil
}

func (client *Client) setupStorage() error {
	var store Storage
	switch {
	case client.options.Storage != nil:
		store = client.options.Storage
	case client.options.DurableStoragePath != "":
		db, err := storage.OpenSQLite(client.options.DurableStoragePath)
		if err != nil {
			return fmt.Errorf("tally: open durable storage: %w", err)
		}
		client.closers = append(client.closers, db)
		store = storage.Fallback(db, storage.NewMemory())
	default:
		store = storage.NewMemory()
	}
	client.store = storage.Namespaced(storage.DefaultPrefix, store)
	return nil
}

// Options returns the resolved options.
func (client *Client) Options() ClientOptions {
	return client.options
}

func (client *Client) isClosed() bool {
	select {
	case <-client.closed:
		return true
	default:
		return false
	}
}

// Track records a named user action.
func (client *Client) Track(name string, properties map[string]interface{}) {
	client.process(ratelimit.CategoryTrack, func() (*Event, error) {
		if err := ValidateEventName(name); err != nil {
			return nil, err
		}
		if err := ValidateProperties(properties); err != nil {
			return nil, err
		}
		page := client.env.Page()
		return &Event{
			Type:       EventTypeTrack,
			Name:       strings.TrimSpace(name),
			Properties: util.CloneProperties(properties),
			URL:        page.URL,
			Referrer:   page.Referrer,
		}, nil
	})
}

// Identify associates the visitor with userID and merges traits into the
// stored user traits.
func (client *Client) Identify(userID string, traits map[string]interface{}) {
	client.process(ratelimit.CategoryIdentify, func() (*Event, error) {
		if err := ValidateUserID(userID); err != nil {
			return nil, err
		}
		if err := ValidateProperties(traits); err != nil {
			return nil, err
		}
		return &Event{
			Type:   EventTypeIdentify,
			UserID: strings.TrimSpace(userID),
			Traits: util.CloneProperties(traits),
		}, nil
	})
}

// Page records a page view of the current host page. A "url" string
// property overrides the host's URL.
func (client *Client) Page(name string, properties map[string]interface{}) {
	client.process(ratelimit.CategoryPage, func() (*Event, error) {
		if err := ValidateProperties(properties); err != nil {
			return nil, err
		}
		page := client.env.Page()
		props := util.CloneProperties(properties)
		if u, ok := props["url"].(string); ok && u != "" {
			page.URL = u
			delete(props, "url")
		}
		if page.URL == "" {
			return nil, &ValidationError{Field: "url", Reason: "is required"}
		}
		return &Event{
			Type:       EventTypePage,
			Name:       name,
			Properties: props,
			URL:        page.URL,
			Referrer:   page.Referrer,
		}, nil
	})
}

// Group associates the visitor with accountID and merges traits into the
// stored account traits.
func (client *Client) Group(accountID string, traits map[string]interface{}) {
	client.process(ratelimit.CategoryGroup, func() (*Event, error) {
		if err := ValidateAccountID(accountID); err != nil {
			return nil, err
		}
		if err := ValidateProperties(traits); err != nil {
			return nil, err
		}
		return &Event{
			Type:      EventTypeGroup,
			AccountID: strings.TrimSpace(accountID),
			Traits:    util.CloneProperties(traits),
		}, nil
	})
}

// process runs one event through the pipeline. It never panics.
func (client *Client) process(category ratelimit.Category, build func() (*Event, error)) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Printf("Recovered from panic while processing %s event: %v", category, r)
		}
	}()

	if client.isClosed() {
		debuglog.Printf("Client closed, dropping %s event", category)
		client.reports.RecordOne(clientreport.ReasonClosed, category)
		return
	}

	event, err := build()
	if err != nil {
		debuglog.Printf("Invalid %s event: %v", category, err)
		client.reports.RecordOne(clientreport.ReasonValidation, category)
		return
	}

	if !client.privacy.ShouldTrack() || !client.privacy.HasConsent(ConsentAnalytics) {
		debuglog.Printf("Tracking disabled, dropping %s", event.Label())
		client.reports.RecordOne(clientreport.ReasonConsent, category)
		return
	}

	client.prepareEvent(event)

	if !client.sample() {
		debuglog.Printf("Sampled out: %s", event.Label())
		client.reports.RecordOne(clientreport.ReasonSampleRate, category)
		return
	}

	if !client.limiter.Allow(category) {
		debuglog.Printf("Rate limited: %s", event.Label())
		client.reports.RecordOne(clientreport.ReasonRateLimit, category)
		return
	}

	if event = client.applyBeforeSend(event); event == nil {
		debuglog.Println("Event dropped by BeforeSend")
		client.reports.RecordOne(clientreport.ReasonBeforeSend, category)
		return
	}

	if !client.queue.Push(event) {
		client.reports.RecordOne(clientreport.ReasonClosed, category)
		return
	}
	client.commitIdentity(event)
}

// commitIdentity stores the user or account of a queued identify or group
// event. Dropped events leave identity untouched.
func (client *Client) commitIdentity(event *Event) {
	switch event.Type {
	case EventTypeIdentify:
		client.session.SetUserID(event.UserID)
		if len(event.Traits) > 0 {
			client.session.SetUserTraits(event.Traits)
		}
	case EventTypeGroup:
		client.session.SetAccountID(event.AccountID)
		if len(event.Traits) > 0 {
			client.session.SetAccountTraits(event.Traits)
		}
	}
}

// prepareEvent fills in the ids and context.
func (client *Client) prepareEvent(event *Event) {
	event.MessageID = uuid.NewString()
	event.Timestamp = client.clock.Now().UTC()
	event.AnonymousID = client.session.AnonymousID()
	event.SessionID = client.session.SessionID()
	if event.UserID == "" {
		event.UserID = client.session.UserID()
	}
	if event.AccountID == "" {
		event.AccountID = client.session.AccountID()
	}
	event.Context = client.eventContext()
}

func (client *Client) eventContext() *EventContext {
	device := client.env.Device()
	page := client.env.Page()
	ctx := &EventContext{
		Library:   LibraryInfo{Name: SDKName, Version: Version},
		UserAgent: device.UserAgent,
		Locale:    device.Locale,
		Timezone:  device.Timezone,
	}
	if device.Screen != nil {
		screen := *device.Screen
		ctx.Screen = &screen
	}
	if page != (PageInfo{}) {
		ctx.Page = &page
	}
	return ctx
}

func (client *Client) sample() bool {
	if client.options.SampleRate >= 1 {
		return true
	}
	client.randMu.Lock()
	defer client.randMu.Unlock()
	return client.rand.Float64() < client.options.SampleRate
}

// applyBeforeSend hands the hook a copy. A panicking hook leaves the
// original event in place.
func (client *Client) applyBeforeSend(event *Event) (result *Event) {
	if client.options.BeforeSend == nil {
		return event
	}
	defer func() {
		if r := recover(); r != nil {
			debuglog.Printf("BeforeSend panicked, sending original event: %v", r)
			result = event
		}
	}()

	clone := *event
	clone.Properties = util.CloneProperties(event.Properties)
	clone.Traits = util.CloneProperties(event.Traits)
	if event.Context != nil {
		ctx := *event.Context
		clone.Context = &ctx
	}
	out := client.options.BeforeSend(&clone)
	if out == nil {
		return nil
	}
	if err := validateModified(out); err != nil {
		debuglog.Printf("BeforeSend returned an invalid event, sending original: %v", err)
		return event
	}
	// Identity and timing are fixed at creation.
	out.MessageID = event.MessageID
	out.Timestamp = event.Timestamp
	return out
}

// validateModified checks the parts of an event a hook may have changed.
func validateModified(event *Event) error {
	switch event.Type {
	case EventTypeIdentify:
		if err := ValidateUserID(event.UserID); err != nil {
			return err
		}
	case EventTypeGroup:
		if err := ValidateAccountID(event.AccountID); err != nil {
			return err
		}
	}
	if err := ValidateProperties(event.Properties); err != nil {
		return err
	}
	return ValidateProperties(event.Traits)
}

// Flush delivers everything queued and reports the outcome.
func (client *Client) Flush(ctx context.Context) FlushResult {
	if client.isClosed() {
		return FlushResult{Errors: []error{ErrQueueClosed}}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := client.queue.Flush(ctx, false)
	client.errors.Flush(ctx)
	return result
}

// Reset forgets the identified user and account and starts a new
// anonymous identity.
func (client *Client) Reset() {
	client.session.Reset()
	client.errors.breadcrumbs.clear()
}

// OptOut stops all collection until OptIn.
func (client *Client) OptOut() {
	client.privacy.OptOut()
}

// OptIn clears a previous OptOut.
func (client *Client) OptIn() {
	client.privacy.OptIn()
}

// IsOptedOut reports the persisted opt-out flag.
func (client *Client) IsOptedOut() bool {
	return client.privacy.IsOptedOut()
}

// SetConsent replaces the granted consent categories.
func (client *Client) SetConsent(categories ...ConsentCategory) {
	client.privacy.SetConsent(categories...)
}

// Consent returns the granted consent categories.
func (client *Client) Consent() []ConsentCategory {
	return client.privacy.Consent()
}

func (client *Client) AnonymousID() string {
	return client.session.AnonymousID()
}

func (client *Client) SessionID() string {
	return client.session.SessionID()
}

func (client *Client) UserID() string {
	return client.session.UserID()
}

// CaptureException reports err to the error endpoint and returns its
// fingerprint, or "" if it was not sent.
func (client *Client) CaptureException(err error, options *CaptureOptions) string {
	if client.isClosed() {
		client.reports.RecordOne(clientreport.ReasonClosed, ratelimit.CategoryError)
		return ""
	}
	return client.errors.CaptureException(err, options)
}

// CaptureMessage reports message at level to the error endpoint.
func (client *Client) CaptureMessage(message string, level Level, options *CaptureOptions) string {
	if client.isClosed() {
		client.reports.RecordOne(clientreport.ReasonClosed, ratelimit.CategoryError)
		return ""
	}
	return client.errors.CaptureMessage(message, level, options)
}

// AddBreadcrumb records a custom breadcrumb for later error reports.
func (client *Client) AddBreadcrumb(crumb Breadcrumb) {
	client.errors.addBreadcrumb(crumb)
}

// RecordRequest records a network breadcrumb. It lets a Client serve as
// the recorder of a tallyhttpclient.RoundTripper.
func (client *Client) RecordRequest(info tallyhttpclient.RequestInfo) {
	networkRecorder{capture: client.errors}.RecordRequest(info)
}

// Stats returns a snapshot of the pipeline.
func (client *Client) Stats() Stats {
	report := client.reports.Snapshot()
	dropped := make(map[string]int64)
	for _, e := range report.DiscardedEvents {
		dropped[string(e.Reason)] += e.Quantity
	}
	return Stats{
		Queued:       client.queue.Len(),
		CircuitState: client.breaker.State().String(),
		ClockOffset:  time.Duration(client.queue.offset.current() * float64(time.Millisecond)),
		Dropped:      dropped,
	}
}

// Close flushes what is left through the beacon path and releases every
// resource. Events sent after Close are dropped.
func (client *Client) Close() {
	client.closeOnce.Do(func() {
		close(client.closed)
		client.errors.Uninstall()
		client.queue.Destroy()
		client.transport.WaitKeepalive()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.errors.Flush(ctx)
		cancel()
		client.errors.Close()

		client.session.Close()
		client.channel.Close()
		for _, c := range client.closers {
			if err := c.Close(); err != nil {
				debuglog.Printf("Failed to close storage: %v", err)
			}
		}
		debuglog.Println("Client closed")
	})
}
