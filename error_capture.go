package tally

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallyhq/tally-go/internal/clientreport"
	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/debuglog"
	httptransport "github.com/tallyhq/tally-go/internal/http"
	"github.com/tallyhq/tally-go/internal/ratelimit"
)

const clickDebounce = 100 * time.Millisecond

// CaptureOptions adjusts a single captured error.
type CaptureOptions struct {
	Level Level
	Tags  map[string]string
	// Context is attached verbatim to the payload.
	Context map[string]interface{}
	// Fingerprint overrides the computed grouping key.
	Fingerprint string
}

type errorCaptureConfig struct {
	Transport      *httptransport.ErrorTransport
	Session        *Session
	Env            Environment
	Clock          clock.Clock
	MaxBreadcrumbs int
	CaptureConsole bool
	CaptureNetwork bool
	// IgnoredURLPrefix keeps the SDK's own requests out of network
	// breadcrumbs.
	IgnoredURLPrefix string
	BeforeSend       func(*ErrorPayload) *ErrorPayload
	// Allowed gates every capture. Nil allows everything.
	Allowed func() bool
	Reports *clientreport.Aggregator
}

// errorCapture turns host errors and captured Go errors into fingerprinted
// payloads and posts them one by one.
type errorCapture struct {
	config      errorCaptureConfig
	breadcrumbs *breadcrumbBuffer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	installed   bool
	restores    []func()
	lastClick   *Element
	lastClickAt time.Time

	pending sync.WaitGroup
}

func newErrorCapture(config errorCaptureConfig) *errorCapture {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &errorCapture{
		config:      config,
		breadcrumbs: newBreadcrumbBuffer(config.MaxBreadcrumbs),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Install subscribes to host errors and interactions and decorates the
// host capabilities. Installing twice does nothing.
func (ec *errorCapture) Install() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.installed || ec.config.Env == nil {
		return
	}
	ec.installed = true
	ec.restores = append(ec.restores, ec.config.Env.Subscribe(ec.handleHostEvent))
	ec.restores = append(ec.restores, ec.installInterceptors(ec.config.Env.Interceptors())...)
	debuglog.Println("Error capture installed")
}

// Uninstall restores every decorated capability. Uninstalling twice does
// nothing.
func (ec *errorCapture) Uninstall() {
	ec.mu.Lock()
	if !ec.installed {
		ec.mu.Unlock()
		return
	}
	ec.installed = false
	restores := ec.restores
	ec.restores = nil
	ec.mu.Unlock()

	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}
	debuglog.Println("Error capture uninstalled")
}

func (ec *errorCapture) handleHostEvent(ev HostEvent) {
	switch ev.Kind {
	case HostUncaughtError:
		if ev.Error != nil {
			ec.CaptureHostError(*ev.Error)
		}
	case HostUnhandledRejection:
		if ev.Error != nil {
			hostErr := *ev.Error
			if hostErr.Type == "" {
				hostErr.Type = "UnhandledRejection"
			}
			ec.CaptureHostError(hostErr)
		}
	case HostClick:
		ec.recordClick(ev.Target)
	case HostPopState:
		ec.recordNavigation(ev.URL)
	}
}

func (ec *errorCapture) recordClick(target *Element) {
	if target == nil {
		return
	}
	now := ec.config.Clock.Now()

	ec.mu.Lock()
	if ec.lastClick == target && now.Sub(ec.lastClickAt) < clickDebounce {
		ec.mu.Unlock()
		return
	}
	ec.lastClick = target
	ec.lastClickAt = now
	ec.mu.Unlock()

	ec.breadcrumbs.add(clickBreadcrumb(target, now))
}

func (ec *errorCapture) recordNavigation(to string) {
	from := ""
	if ec.config.Env != nil {
		from = ec.config.Env.Page().URL
	}
	ec.addBreadcrumb(Breadcrumb{
		Type:    BreadcrumbNavigation,
		Message: to,
		Data:    map[string]interface{}{"from": from, "to": to},
	})
}

func (ec *errorCapture) addBreadcrumb(crumb Breadcrumb) {
	if crumb.Timestamp.IsZero() {
		crumb.Timestamp = ec.config.Clock.Now()
	}
	if crumb.Type == "" {
		crumb.Type = BreadcrumbCustom
	}
	ec.breadcrumbs.add(crumb)
}

// CaptureException reports err and returns its fingerprint, or "" when it
// was not sent.
func (ec *errorCapture) CaptureException(err error, options *CaptureOptions) string {
	if err == nil {
		return ""
	}
	stack := ExtractStacktrace(err)
	if stack == nil {
		stack = NewStacktrace()
	}
	return ec.capture(err.Error(), errorTypeName(err), stack.String(), stack.TopFrame(), LevelError, options)
}

// CaptureMessage reports a plain message.
func (ec *errorCapture) CaptureMessage(message string, level Level, options *CaptureOptions) string {
	if level == "" {
		level = LevelInfo
	}
	return ec.capture(message, "Message", "", "", level, options)
}

// CaptureHostError reports an error raised by the host runtime.
func (ec *errorCapture) CaptureHostError(hostErr HostError) string {
	message := hostErr.Message
	errType := hostErr.Type
	stackText := hostErr.Stack
	topFrame := ""

	if stack := ParseStack(hostErr.Stack); stack != nil {
		topFrame = stack.TopFrame()
	} else if hostErr.Err != nil {
		if stack := ExtractStacktrace(hostErr.Err); stack != nil {
			stackText = stack.String()
			topFrame = stack.TopFrame()
		}
	}
	if topFrame == "" && hostErr.Source != "" {
		topFrame = fmt.Sprintf("at %s:%d:%d", hostErr.Source, hostErr.Line, hostErr.Column)
	}
	if message == "" && hostErr.Err != nil {
		message = hostErr.Err.Error()
	}
	if errType == "" {
		errType = "Error"
		if hostErr.Err != nil {
			errType = errorTypeName(hostErr.Err)
		}
	}

	options := &CaptureOptions{Tags: map[string]string{"mechanism": "host"}}
	return ec.capture(message, errType, stackText, topFrame, LevelError, options)
}

func (ec *errorCapture) capture(message, errType, stack, topFrame string, level Level, options *CaptureOptions) string {
	if ec.config.Allowed != nil && !ec.config.Allowed() {
		ec.config.Reports.RecordOne(clientreport.ReasonConsent, ratelimit.CategoryError)
		return ""
	}
	if options == nil {
		options = &CaptureOptions{}
	}
	if options.Level != "" {
		level = options.Level
	}

	payload := &ErrorPayload{
		Message:     message,
		Stack:       stack,
		Type:        errType,
		Level:       string(level),
		Fingerprint: options.Fingerprint,
		Breadcrumbs: ec.breadcrumbs.snapshot(),
		Tags:        options.Tags,
		Context:     options.Context,
		Timestamp:   ec.config.Clock.Now().UTC(),
	}
	if payload.Fingerprint == "" {
		payload.Fingerprint = Fingerprint(errType, message, topFrame)
	}
	if ec.config.Env != nil {
		payload.URL = ec.config.Env.Page().URL
	}
	if s := ec.config.Session; s != nil {
		payload.AnonymousID = s.AnonymousID()
		payload.UserID = s.UserID()
		payload.SessionID = s.SessionID()
	}

	if payload = ec.applyBeforeSend(payload); payload == nil {
		debuglog.Printf("Error dropped by BeforeSendError: %s", message)
		ec.config.Reports.RecordOne(clientreport.ReasonBeforeSend, ratelimit.CategoryError)
		return ""
	}

	ec.send(payload)
	return payload.Fingerprint
}

// applyBeforeSend runs the hook on a copy. A panicking hook leaves the
// original payload in place.
func (ec *errorCapture) applyBeforeSend(payload *ErrorPayload) (result *ErrorPayload) {
	if ec.config.BeforeSend == nil {
		return payload
	}
	defer func() {
		if r := recover(); r != nil {
			debuglog.Printf("BeforeSendError panicked, sending original: %v", r)
			result = payload
		}
	}()
	clone := *payload
	clone.Breadcrumbs = append([]Breadcrumb(nil), payload.Breadcrumbs...)
	return ec.config.BeforeSend(&clone)
}

func (ec *errorCapture) send(payload *ErrorPayload) {
	if ec.config.Transport == nil {
		return
	}
	ec.pending.Add(1)
	go func() {
		defer ec.pending.Done()
		if err := ec.config.Transport.Send(ec.ctx, payload); err != nil {
			if !errors.Is(err, context.Canceled) {
				debuglog.Printf("Failed to send error report: %v", err)
			}
			ec.config.Reports.RecordOne(clientreport.ReasonSendError, ratelimit.CategoryError)
			return
		}
		debuglog.Printf("Error report sent: %s", payload.Fingerprint)
	}()
}

// Flush waits for in-flight error reports. It returns false if ctx ends
// first.
func (ec *errorCapture) Flush(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		ec.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close uninstalls and aborts in-flight reports.
func (ec *errorCapture) Close() {
	ec.Uninstall()
	ec.cancel()
}
