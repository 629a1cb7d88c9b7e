package tally

import (
	"time"

	"github.com/tallyhq/tally-go/internal/protocol"
	"github.com/tallyhq/tally-go/internal/ratelimit"
)

// SDKName is reported in every event context.
const SDKName = "tally-go"

// Version is the version of the SDK.
const Version = "0.4.0"

// Level marks the severity of a captured error.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// EventType discriminates the analytics event variants.
type EventType string

const (
	EventTypeTrack    EventType = "track"
	EventTypeIdentify EventType = "identify"
	EventTypePage     EventType = "page"
	EventTypeGroup    EventType = "group"
)

// Synthetic wire names for the non-track variants.
const (
	pageviewEventName = "$pageview"
	identifyEventName = "$identify"
	groupEventName    = "$group"
)

// Wire-level types shared with the ingestion protocol.
type (
	EventContext = protocol.Context
	LibraryInfo  = protocol.Library
	PageInfo     = protocol.Page
	ScreenInfo   = protocol.Screen
	Breadcrumb   = protocol.Breadcrumb
	ErrorPayload = protocol.ErrorPayload
)

// Event is a single analytics event. Which fields are meaningful depends on
// Type:
//
//   - track: Name and Properties
//   - identify: UserID (required) and Traits
//   - page: Name, Properties, URL (required) and Referrer
//   - group: AccountID (required) and Traits
//
// MessageID and Timestamp are assigned once when the event is built and
// must not be changed afterwards.
type Event struct {
	Type        EventType              `json:"type"`
	MessageID   string                 `json:"messageId"`
	Timestamp   time.Time              `json:"timestamp"`
	AnonymousID string                 `json:"anonymousId"`
	UserID      string                 `json:"userId,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	AccountID   string                 `json:"accountId,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Traits      map[string]interface{} `json:"traits,omitempty"`
	URL         string                 `json:"url,omitempty"`
	Referrer    string                 `json:"referrer,omitempty"`
	Context     *EventContext          `json:"context,omitempty"`
}

// Label is the short human description used in debug output, such as
// "track Signed Up" or "identify user_42".
func (e *Event) Label() string {
	switch e.Type {
	case EventTypeIdentify:
		return string(e.Type) + " " + e.UserID
	case EventTypeGroup:
		return string(e.Type) + " " + e.AccountID
	case EventTypePage:
		if e.Name != "" {
			return string(e.Type) + " " + e.Name
		}
		return string(e.Type) + " " + e.URL
	default:
		return string(e.Type) + " " + e.Name
	}
}

func (e *Event) category() ratelimit.Category {
	return ratelimit.Category(e.Type)
}

// wire flattens the event into its batch representation.
func (e *Event) wire() protocol.BatchEvent {
	out := protocol.BatchEvent{
		MessageID:   e.MessageID,
		Timestamp:   e.Timestamp,
		AnonymousID: e.AnonymousID,
		UserID:      e.UserID,
		SessionID:   e.SessionID,
		AccountID:   e.AccountID,
		Context:     e.Context,
	}

	switch e.Type {
	case EventTypePage:
		out.Event = pageviewEventName
		props := make(map[string]interface{}, len(e.Properties)+2)
		for k, v := range e.Properties {
			props[k] = v
		}
		if e.Name != "" {
			props["name"] = e.Name
		}
		if e.Context != nil && e.Context.Page != nil && e.Context.Page.Title != "" {
			props["title"] = e.Context.Page.Title
		}
		out.Properties = props
		out.URL = e.URL
		out.Referrer = e.Referrer
	case EventTypeIdentify:
		out.Event = identifyEventName
		out.Properties = nonNil(e.Traits)
	case EventTypeGroup:
		out.Event = groupEventName
		out.Properties = nonNil(e.Traits)
	default:
		out.Event = e.Name
		out.Properties = nonNil(e.Properties)
		out.URL = e.URL
		out.Referrer = e.Referrer
	}
	return out
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// FlushResult reports the outcome of a flush.
type FlushResult struct {
	Success    bool
	EventCount int
	Errors     []error
}

// Stats is a point-in-time view of the client's pipeline.
type Stats struct {
	Queued       int
	CircuitState string
	ClockOffset  time.Duration
	Dropped      map[string]int64
}
