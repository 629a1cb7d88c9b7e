// Package protocol defines the JSON wire format spoken between the SDK and
// the ingestion endpoints.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Ingestion endpoint paths, relative to the configured host.
const (
	TrackPath = "/api/v1/track"
	ErrorPath = "/api/v1/error"
)

// APIKeyHeader carries the project key on regular requests. Beacon
// requests cannot set headers and embed the key in the body instead.
const APIKeyHeader = "X-API-Key"

// Library identifies the SDK that produced an event.
type Library struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Screen is the host display size, when known.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Page describes the document the event happened on.
type Page struct {
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Context is the environment snapshot attached to every event.
type Context struct {
	Library   Library `json:"library"`
	UserAgent string  `json:"userAgent,omitempty"`
	Locale    string  `json:"locale,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	Screen    *Screen `json:"screen,omitempty"`
	Page      *Page   `json:"page,omitempty"`
}

// BatchEvent is one flattened analytics event inside a batch.
type BatchEvent struct {
	MessageID   string                 `json:"messageId"`
	Timestamp   time.Time              `json:"timestamp"`
	AnonymousID string                 `json:"anonymousId"`
	UserID      string                 `json:"userId,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	AccountID   string                 `json:"accountId,omitempty"`
	Event       string                 `json:"event"`
	Properties  map[string]interface{} `json:"properties"`
	URL         string                 `json:"url,omitempty"`
	Referrer    string                 `json:"referrer,omitempty"`
	Context     *Context               `json:"context,omitempty"`
}

// BatchEnvelope is the body of a track request.
//
// SentAt lets the server spot clients whose clock disagrees with its own.
// ClockOffset is the SDK's smoothed estimate of that disagreement in
// milliseconds and is only present when it is significant.
type BatchEnvelope struct {
	SentAt      time.Time    `json:"sentAt"`
	ClockOffset *int64       `json:"clockOffset,omitempty"`
	APIKey      string       `json:"apiKey,omitempty"`
	Batch       []BatchEvent `json:"batch"`
}

// Breadcrumb is a timestamped record of an earlier action.
type Breadcrumb struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ErrorPayload is the body of an error request.
type ErrorPayload struct {
	Message     string                 `json:"message"`
	Stack       string                 `json:"stack,omitempty"`
	Type        string                 `json:"type,omitempty"`
	Level       string                 `json:"level"`
	Fingerprint string                 `json:"fingerprint"`
	URL         string                 `json:"url,omitempty"`
	Breadcrumbs []Breadcrumb           `json:"breadcrumbs,omitempty"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	AnonymousID string                 `json:"anonymousId"`
	UserID      string                 `json:"userId,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	APIKey      string                 `json:"apiKey,omitempty"`
}

// ErrEncode wraps every Encode failure. Such a payload can never be sent.
var ErrEncode = errors.New("failed to encode")

// Encode serializes a wire value.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w %T: %w", ErrEncode, v, err)
	}
	return b, nil
}
