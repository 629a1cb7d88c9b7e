// Package collector is a development ingestion server for the Tally wire
// protocol. It authenticates requests, drops duplicate deliveries,
// corrects client clock skew and forwards what it accepts to a sink.
package collector

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/tallyhq/tally-go/internal/collector/sinks"
	"github.com/tallyhq/tally-go/internal/protocol"
)

// DefaultDedupSize is the number of recent message ids remembered.
const DefaultDedupSize = 10000

// ErrNoSink is returned by New without a sink.
var ErrNoSink = errors.New("collector: a sink is required")

type Options struct {
	// APIKeys lists accepted project keys. Empty accepts any non-empty key.
	APIKeys []string
	// DedupSize bounds the message id cache. Defaults to DefaultDedupSize.
	DedupSize int
	// SinkTimeout bounds each forward to the sink. Defaults to 10s.
	SinkTimeout time.Duration
	Sink        sinks.Sink
	Logger      *logrus.Logger
	// Now is used for receive timestamps.
	Now func() time.Time
}

// Stats counts what the collector has seen since start.
type Stats struct {
	Accepted   int64
	Duplicates int64
	Errors     int64
	Rejected   int64
}

// Collector handles ingestion requests. Use Handler to serve it.
type Collector struct {
	options Options
	keys    map[string]struct{}
	seen    *lru.Cache
	engine  *gin.Engine
	log     *logrus.Entry

	accepted   atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
	rejected   atomic.Int64
}

func New(options Options) (*Collector, error) {
	if options.Sink == nil {
		return nil, ErrNoSink
	}
	if options.DedupSize <= 0 {
		options.DedupSize = DefaultDedupSize
	}
	if options.SinkTimeout <= 0 {
		options.SinkTimeout = 10 * time.Second
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	seen, err := lru.New(options.DedupSize)
	if err != nil {
		return nil, err
	}

	c := &Collector{
		options: options,
		keys:    make(map[string]struct{}, len(options.APIKeys)),
		seen:    seen,
		log:     options.Logger.WithField("component", "collector"),
	}
	for _, k := range options.APIKeys {
		c.keys[k] = struct{}{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), c.logRequests())
	engine.GET("/healthz", c.handleHealth)
	engine.POST(protocol.TrackPath, c.handleTrack)
	engine.POST(protocol.ErrorPath, c.handleError)
	c.engine = engine

	c.log.WithFields(logrus.Fields{
		"sink":       options.Sink.Name(),
		"dedup_size": options.DedupSize,
		"keys":       len(options.APIKeys),
	}).Info("Collector ready")
	return c, nil
}

func (c *Collector) Handler() http.Handler { return c.engine }

func (c *Collector) Stats() Stats {
	return Stats{
		Accepted:   c.accepted.Load(),
		Duplicates: c.duplicates.Load(),
		Errors:     c.errors.Load(),
		Rejected:   c.rejected.Load(),
	}
}

// Close closes the sink.
func (c *Collector) Close() error {
	return c.options.Sink.Close()
}

func (c *Collector) logRequests() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		entry := c.log.WithFields(logrus.Fields{
			"method":  ctx.Request.Method,
			"path":    ctx.FullPath(),
			"status":  ctx.Writer.Status(),
			"latency": time.Since(start),
		})
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request handled")
		}
	}
}

func (c *Collector) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorize resolves the API key from the header, falling back to the key
// a beacon embeds in the body.
func (c *Collector) authorize(ctx *gin.Context, bodyKey string) bool {
	key := ctx.GetHeader(protocol.APIKeyHeader)
	if key == "" {
		key = bodyKey
	}
	if key == "" {
		c.reject(ctx, http.StatusUnauthorized, "missing api key")
		return false
	}
	if len(c.keys) > 0 {
		if _, ok := c.keys[key]; !ok {
			c.reject(ctx, http.StatusUnauthorized, "invalid api key")
			return false
		}
	}
	return true
}

func (c *Collector) reject(ctx *gin.Context, status int, reason string) {
	c.rejected.Add(1)
	ctx.AbortWithStatusJSON(status, gin.H{"error": reason})
}

func (c *Collector) handleTrack(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		c.reject(ctx, http.StatusBadRequest, "unreadable body")
		return
	}
	var envelope protocol.BatchEnvelope
	if err := sonic.Unmarshal(body, &envelope); err != nil {
		c.reject(ctx, http.StatusBadRequest, "malformed batch")
		return
	}
	if !c.authorize(ctx, envelope.APIKey) {
		return
	}

	receivedAt := c.options.Now().UTC()
	var (
		records []sinks.Event
		ids     []string
		dupes   int
	)
	for i := range envelope.Batch {
		event := envelope.Batch[i]
		if event.MessageID != "" && c.seen.Contains(event.MessageID) {
			dupes++
			continue
		}
		event.Timestamp = correctTimestamp(event.Timestamp, envelope.ClockOffset)
		records = append(records, &Record{Kind: KindTrack, ReceivedAt: receivedAt, Event: &event})
		ids = append(ids, event.MessageID)
	}

	if !c.forward(ctx, records) {
		return
	}
	// Only ids that reached the sink count as seen, so a retry after a sink
	// failure is not mistaken for a duplicate.
	for _, id := range ids {
		if id != "" {
			c.seen.Add(id, struct{}{})
		}
	}
	c.accepted.Add(int64(len(records)))
	c.duplicates.Add(int64(dupes))

	if dupes > 0 {
		c.log.WithField("duplicates", dupes).Info("Dropped duplicate events")
	}
	ctx.JSON(http.StatusOK, gin.H{"accepted": len(records), "duplicates": dupes})
}

func (c *Collector) handleError(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		c.reject(ctx, http.StatusBadRequest, "unreadable body")
		return
	}
	var payload protocol.ErrorPayload
	if err := sonic.Unmarshal(body, &payload); err != nil {
		c.reject(ctx, http.StatusBadRequest, "malformed error report")
		return
	}
	if !c.authorize(ctx, payload.APIKey) {
		return
	}
	payload.APIKey = ""

	record := &Record{Kind: KindError, ReceivedAt: c.options.Now().UTC(), Error: &payload}
	if !c.forward(ctx, []sinks.Event{record}) {
		return
	}
	c.errors.Add(1)
	c.log.WithFields(logrus.Fields{
		"fingerprint": payload.Fingerprint,
		"type":        payload.Type,
		"level":       payload.Level,
	}).Info("Error report received")
	ctx.JSON(http.StatusOK, gin.H{"fingerprint": payload.Fingerprint})
}

// forward sends records to the sink, answering 503 on failure so the SDK
// retries.
func (c *Collector) forward(ctx *gin.Context, records []sinks.Event) bool {
	if len(records) == 0 {
		return true
	}
	sendCtx, cancel := context.WithTimeout(ctx.Request.Context(), c.options.SinkTimeout)
	defer cancel()
	if err := c.options.Sink.SendBatch(sendCtx, records); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"sink":    c.options.Sink.Name(),
			"records": len(records),
		}).Error("Sink delivery failed")
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sink unavailable"})
		return false
	}
	return true
}

// correctTimestamp shifts a client timestamp onto the server clock. The
// offset is server minus client time in milliseconds.
func correctTimestamp(ts time.Time, offsetMillis *int64) time.Time {
	if offsetMillis == nil || ts.IsZero() {
		return ts
	}
	return ts.Add(time.Duration(*offsetMillis) * time.Millisecond)
}
