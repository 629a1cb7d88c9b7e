package tally

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	httptransport "github.com/tallyhq/tally-go/internal/http"
)

// BeaconSender is a fire-and-forget transport used during teardown.
type BeaconSender = httptransport.BeaconSender

// Environment is the host the SDK runs in. It supplies connectivity,
// privacy signals, page and device information, lifecycle notifications
// and the capabilities error capture decorates.
type Environment interface {
	Online() bool
	DoNotTrack() bool
	GlobalPrivacyControl() bool
	Page() PageInfo
	Device() DeviceInfo
	// Subscribe registers f for host events and returns a function that
	// removes it.
	Subscribe(f func(HostEvent)) (cancel func())
	Interceptors() *Interceptors
	// Beacon returns nil when the host has no beacon transport.
	Beacon() BeaconSender
}

// DeviceInfo describes the runtime the SDK is embedded in.
type DeviceInfo struct {
	UserAgent string
	Locale    string
	Timezone  string
	Screen    *ScreenInfo
}

// HostEventKind enumerates host notifications.
type HostEventKind int

const (
	HostVisibilityHidden HostEventKind = iota
	HostVisibilityVisible
	HostBeforeUnload
	HostPageHide
	HostOnline
	HostOffline
	HostUncaughtError
	HostUnhandledRejection
	HostClick
	HostPopState
)

func (k HostEventKind) String() string {
	switch k {
	case HostVisibilityHidden:
		return "visibility_hidden"
	case HostVisibilityVisible:
		return "visibility_visible"
	case HostBeforeUnload:
		return "beforeunload"
	case HostPageHide:
		return "pagehide"
	case HostOnline:
		return "online"
	case HostOffline:
		return "offline"
	case HostUncaughtError:
		return "error"
	case HostUnhandledRejection:
		return "unhandledrejection"
	case HostClick:
		return "click"
	case HostPopState:
		return "popstate"
	default:
		return "unknown"
	}
}

// HostEvent is a notification delivered to Environment subscribers.
type HostEvent struct {
	Kind HostEventKind
	// Error is set for HostUncaughtError and HostUnhandledRejection.
	Error *HostError
	// Target is set for HostClick.
	Target *Element
	// URL is set for HostPopState.
	URL string
}

// HostError is an uncaught error or unhandled rejection reported by the
// host runtime.
type HostError struct {
	Message string
	Type    string
	// Stack is a host formatted stack, one frame per line.
	Stack  string
	Source string
	Line   int
	Column int
	// Err is the underlying Go error, when there is one.
	Err error
}

// Element is the part of a UI element click breadcrumbs describe.
type Element struct {
	Tag         string
	ID          string
	Class       string
	InputType   string
	Value       string
	Placeholder string
	AriaLabel   string
	// DirectText is the element's own text, excluding descendants.
	DirectText string
	// Text is the full rendered text, including descendants.
	Text string
}

// Navigator changes the current location.
type Navigator interface {
	PushState(url string)
	ReplaceState(url string)
}

// ConsoleLogger is the host's error console.
type ConsoleLogger interface {
	Error(args ...interface{})
}

// Interceptable holds a capability that can be decorated and later
// restored to the exact value it had before.
type Interceptable[T any] struct {
	mu      sync.RWMutex
	current T
}

// NewInterceptable returns a slot holding v.
func NewInterceptable[T any](v T) *Interceptable[T] {
	return &Interceptable[T]{current: v}
}

// Get returns the current, possibly decorated, value.
func (i *Interceptable[T]) Get() T {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current
}

// Set replaces the value outright.
func (i *Interceptable[T]) Set(v T) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = v
}

// Wrap installs decorate(current) and returns a function restoring the
// previous value. The restore function is safe to call more than once.
func (i *Interceptable[T]) Wrap(decorate func(T) T) (restore func()) {
	i.mu.Lock()
	original := i.current
	i.current = decorate(original)
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			i.current = original
			i.mu.Unlock()
		})
	}
}

// Interceptors are the host capabilities error capture may decorate.
type Interceptors struct {
	Navigator *Interceptable[Navigator]
	Console   *Interceptable[ConsoleLogger]
	HTTP      *Interceptable[http.RoundTripper]
}

// NewInterceptors returns slots holding the given capabilities. A nil
// RoundTripper is replaced with http.DefaultTransport.
func NewInterceptors(nav Navigator, console ConsoleLogger, rt http.RoundTripper) *Interceptors {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Interceptors{
		Navigator: NewInterceptable(nav),
		Console:   NewInterceptable(console),
		HTTP:      NewInterceptable(rt),
	}
}

// Host is the default Environment for Go processes. A host bridge, or a
// test, drives it through SetOnline, SetPage, Navigate and Emit.
type Host struct {
	mu      sync.RWMutex
	online  bool
	dnt     bool
	gpc     bool
	page    PageInfo
	device  DeviceInfo
	beacon  BeaconSender
	handler map[int]func(HostEvent)
	nextID  int

	interceptors *Interceptors
}

// NewHost returns an online Host describing the current process.
func NewHost() *Host {
	h := &Host{
		online:  true,
		handler: make(map[int]func(HostEvent)),
		device: DeviceInfo{
			UserAgent: userAgent(),
			Locale:    detectLocale(),
			Timezone:  detectTimezone(),
		},
	}
	h.interceptors = NewInterceptors(hostNavigator{h}, stderrConsole{}, http.DefaultTransport)
	return h
}

func userAgent() string {
	return SDKName + "/" + Version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// detectLocale canonicalizes the POSIX locale, such as "en_US.UTF-8",
// into a BCP 47 tag.
func detectLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		raw := os.Getenv(key)
		if raw == "" || raw == "C" || raw == "POSIX" {
			continue
		}
		if i := strings.IndexAny(raw, ".@"); i >= 0 {
			raw = raw[:i]
		}
		tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
		if err != nil {
			continue
		}
		return tag.String()
	}
	return ""
}

func detectTimezone() string {
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	name, _ := time.Now().Zone()
	return name
}

func (h *Host) Online() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online
}

func (h *Host) DoNotTrack() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dnt
}

func (h *Host) GlobalPrivacyControl() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gpc
}

func (h *Host) Page() PageInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page
}

func (h *Host) Device() DeviceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.device
}

func (h *Host) Interceptors() *Interceptors { return h.interceptors }

func (h *Host) Beacon() BeaconSender {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.beacon
}

func (h *Host) Subscribe(f func(HostEvent)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handler[id] = f
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handler, id)
			h.mu.Unlock()
		})
	}
}

// Emit delivers ev to every subscriber on the calling goroutine.
func (h *Host) Emit(ev HostEvent) {
	h.mu.RLock()
	handlers := make([]func(HostEvent), 0, len(h.handler))
	for _, f := range h.handler {
		handlers = append(handlers, f)
	}
	h.mu.RUnlock()

	for _, f := range handlers {
		f(ev)
	}
}

// SetOnline records connectivity and emits HostOnline or HostOffline when
// it changes.
func (h *Host) SetOnline(online bool) {
	h.mu.Lock()
	changed := h.online != online
	h.online = online
	h.mu.Unlock()

	if !changed {
		return
	}
	if online {
		h.Emit(HostEvent{Kind: HostOnline})
	} else {
		h.Emit(HostEvent{Kind: HostOffline})
	}
}

// SetPrivacySignals sets the Do Not Track and Global Privacy Control flags.
func (h *Host) SetPrivacySignals(doNotTrack, globalPrivacyControl bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dnt = doNotTrack
	h.gpc = globalPrivacyControl
}

// SetPage replaces the current page description.
func (h *Host) SetPage(page PageInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.page = page
}

// SetScreen records the display size.
func (h *Host) SetScreen(width, height int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device.Screen = &ScreenInfo{Width: width, Height: height}
}

// SetBeacon installs a beacon transport. Nil removes it.
func (h *Host) SetBeacon(b BeaconSender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beacon = b
}

// Navigate pushes url through the Navigator slot, so any installed
// decorator observes it.
func (h *Host) Navigate(url string) {
	h.interceptors.Navigator.Get().PushState(url)
}

// hostNavigator is the undecorated Navigator of a Host.
type hostNavigator struct{ h *Host }

func (n hostNavigator) PushState(url string)    { n.set(url) }
func (n hostNavigator) ReplaceState(url string) { n.set(url) }

func (n hostNavigator) set(url string) {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	if n.h.page.URL != url {
		n.h.page.Referrer = n.h.page.URL
	}
	n.h.page.URL = url
	n.h.page.Path = pathOf(url)
}

func pathOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j:]
		} else {
			return "/"
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

// stderrConsole is the undecorated ConsoleLogger of a Host.
type stderrConsole struct{}

func (stderrConsole) Error(args ...interface{}) {
	_, _ = os.Stderr.WriteString(strings.TrimSpace(fmt.Sprintln(args...)) + "\n")
}
