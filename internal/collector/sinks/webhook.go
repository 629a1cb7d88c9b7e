package sinks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs batches of events to an HTTP endpoint as a JSON array.
type WebhookSink struct {
	client  *fasthttp.Client
	url     string
	headers map[string]string
	timeout time.Duration
}

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// Timeout bounds each request. Defaults to 5s.
	Timeout         time.Duration
	MaxConnsPerHost int
}

func NewWebhookSink(config *WebhookConfig) (*WebhookSink, error) {
	if config == nil || config.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	maxConns := config.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 100
	}
	return &WebhookSink{
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxConns,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 30 * time.Second,
		},
		url:     config.URL,
		headers: config.Headers,
		timeout: timeout,
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	return s.SendBatch(ctx, []Event{event})
}

func (s *WebhookSink) SendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, event := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := event.JSON()
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.Key(), err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(buf.Bytes())

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if code := resp.StatusCode(); code >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", code, resp.Body())
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func init() {
	Register("webhook", func(_ context.Context, config map[string]any) (Sink, error) {
		return NewWebhookSink(&WebhookConfig{
			URL:             stringOption(config, "url"),
			Headers:         stringMapOption(config, "headers"),
			Timeout:         time.Duration(intOption(config, "timeout_ms")) * time.Millisecond,
			MaxConnsPerHost: intOption(config, "max_conns_per_host"),
		})
	})
}
