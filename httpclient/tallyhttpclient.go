// Package tallyhttpclient records outgoing HTTP requests as network
// breadcrumbs. It is compatible with `net/http.RoundTripper`.
//
//	import tallyhttpclient "github.com/tallyhq/tally-go/httpclient"
//
//	roundTripper := tallyhttpclient.NewRoundTripper(nil, client)
//	httpClient := &http.Client{
//		Transport: roundTripper,
//	}
//
//	response, err := httpClient.Do(request)
package tallyhttpclient

import (
	"net/http"
	"strings"
	"time"
)

// RequestInfo describes one completed request.
type RequestInfo struct {
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Recorder receives completed requests. *tally.Client implements it.
type Recorder interface {
	RecordRequest(info RequestInfo)
}

// Option configures a RoundTripper.
type Option func(*RoundTripper)

// WithIgnoredPrefixes skips requests whose URL starts with any of the
// prefixes, such as the collector's own endpoint.
func WithIgnoredPrefixes(prefixes ...string) Option {
	return func(t *RoundTripper) {
		t.ignored = append(t.ignored, prefixes...)
	}
}

// WithNow overrides the time source used for durations.
func WithNow(now func() time.Time) Option {
	return func(t *RoundTripper) {
		if now != nil {
			t.now = now
		}
	}
}

// NewRoundTripper wraps an existing http.RoundTripper so every request is
// reported to recorder.
//
//   - If `nil` is passed to `originalRoundTripper`, it will use http.DefaultTransport instead.
func NewRoundTripper(originalRoundTripper http.RoundTripper, recorder Recorder, opts ...Option) http.RoundTripper {
	if originalRoundTripper == nil {
		originalRoundTripper = http.DefaultTransport
	}

	t := &RoundTripper{
		originalRoundTripper: originalRoundTripper,
		recorder:             recorder,
		now:                  time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t
}

// RoundTripper provides a http.RoundTripper implementation recording
// network breadcrumbs.
type RoundTripper struct {
	originalRoundTripper http.RoundTripper
	recorder             Recorder
	ignored              []string
	now                  func() time.Time
}

func (t *RoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	cleanRequestURL := request.URL.Redacted()
	if t.recorder == nil || t.isIgnored(cleanRequestURL) {
		return t.originalRoundTripper.RoundTrip(request)
	}

	start := t.now()
	response, err := t.originalRoundTripper.RoundTrip(request)

	info := RequestInfo{
		Method:   request.Method,
		URL:      cleanRequestURL,
		Duration: t.now().Sub(start),
		Err:      err,
	}
	if response != nil {
		info.StatusCode = response.StatusCode
	}
	t.recorder.RecordRequest(info)

	return response, err
}

func (t *RoundTripper) isIgnored(url string) bool {
	for _, prefix := range t.ignored {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Unwrap returns the wrapped RoundTripper.
func (t *RoundTripper) Unwrap() http.RoundTripper {
	return t.originalRoundTripper
}
