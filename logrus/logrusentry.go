// Package tallylogrus provides a Logrus hook that reports log entries as
// Tally errors.
//
//	hook := tallylogrus.New(client, []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel})
//	logrus.AddHook(hook)
//
// An entry carrying an error under logrus.ErrorKey is captured as an
// exception, any other entry as a message.
package tallylogrus

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	tally "github.com/tallyhq/tally-go"
)

// These field keys carry Tally metadata instead of plain context. They may
// be renamed with SetKey.
const (
	// FieldFingerprint holds a string that overrides grouping.
	FieldFingerprint = "fingerprint"
	// FieldTags holds a map[string]string of tags.
	FieldTags = "tags"
)

var levelMap = map[logrus.Level]tally.Level{
	logrus.TraceLevel: tally.LevelDebug,
	logrus.DebugLevel: tally.LevelDebug,
	logrus.InfoLevel:  tally.LevelInfo,
	logrus.WarnLevel:  tally.LevelWarning,
	logrus.ErrorLevel: tally.LevelError,
	logrus.FatalLevel: tally.LevelFatal,
	logrus.PanicLevel: tally.LevelFatal,
}

// Capturer reports errors. *tally.Client implements it.
type Capturer interface {
	CaptureException(err error, options *tally.CaptureOptions) string
	CaptureMessage(message string, level tally.Level, options *tally.CaptureOptions) string
}

// A FallbackFunc handles an entry the capturer dropped, before Logrus's
// own error reporting kicks in.
type FallbackFunc func(*logrus.Entry) error

// Hook is the Logrus hook. Configure it before logging starts.
type Hook struct {
	capturer Capturer
	levels   []logrus.Level
	tags     map[string]string
	keys     map[string]string
	fallback FallbackFunc
}

var _ logrus.Hook = (*Hook)(nil)

// New returns a hook firing for levels.
func New(capturer Capturer, levels []logrus.Level) *Hook {
	return &Hook{
		capturer: capturer,
		levels:   levels,
		tags:     map[string]string{"logger": "logrus"},
		keys:     make(map[string]string),
	}
}

// AddTags adds tags to every report.
func (h *Hook) AddTags(tags map[string]string) {
	for k, v := range tags {
		h.tags[k] = v
	}
}

func (h *Hook) SetFallback(fb FallbackFunc) {
	h.fallback = fb
}

// SetKey makes the hook read the metadata field oldKey from newKey. An
// empty newKey restores the default.
func (h *Hook) SetKey(oldKey, newKey string) {
	if oldKey == "" {
		return
	}
	if newKey == "" {
		delete(h.keys, oldKey)
		return
	}
	h.keys[oldKey] = newKey
}

func (h *Hook) key(key string) string {
	if val := h.keys[key]; val != "" {
		return val
	}
	return key
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	options, err := h.entryToOptions(entry)

	var fingerprint string
	if err != nil {
		options.Context["log_message"] = entry.Message
		fingerprint = h.capturer.CaptureException(err, options)
	} else {
		fingerprint = h.capturer.CaptureMessage(entry.Message, options.Level, options)
	}
	if fingerprint == "" {
		if h.fallback != nil {
			return h.fallback(entry)
		}
		return errors.New("failed to send to tally")
	}
	return nil
}

// entryToOptions splits the entry's fields into metadata and context. The
// returned error is the entry's logrus.ErrorKey value, if any.
func (h *Hook) entryToOptions(entry *logrus.Entry) (*tally.CaptureOptions, error) {
	options := &tally.CaptureOptions{
		Level:   levelMap[entry.Level],
		Tags:    make(map[string]string, len(h.tags)),
		Context: make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range h.tags {
		options.Tags[k] = v
	}

	var captured error
	fingerprintKey, tagsKey := h.key(FieldFingerprint), h.key(FieldTags)
	for k, v := range entry.Data {
		switch {
		case k == logrus.ErrorKey:
			if err, ok := v.(error); ok {
				captured = err
				continue
			}
		case k == fingerprintKey:
			if fp, ok := v.(string); ok {
				options.Fingerprint = fp
				continue
			}
		case k == tagsKey:
			if tags, ok := v.(map[string]string); ok {
				for tk, tv := range tags {
					options.Tags[tk] = tv
				}
				continue
			}
		}
		options.Context[k] = contextValue(v)
	}
	return options, captured
}

// contextValue keeps JSON-friendly scalars and renders everything else as
// text.
func contextValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%+v", val)
	}
}
