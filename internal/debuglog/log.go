package debuglog

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prefix namespaces every diagnostic line written by the SDK.
const Prefix = "[Tally]"

var (
	logger = newLogger(io.Discard)
	mu     sync.RWMutex
)

// prefixFormatter renders entries as "[Tally] <time> <message> k=v ...".
type prefixFormatter struct{}

func (prefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(Prefix)
	b.WriteByte(' ')
	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(prefixFormatter{})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// SetLogger replaces the current debug logger with a new one.
// This function is thread-safe and can be called concurrently.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// SetOutput redirects the debug logger. io.Discard silences it.
func SetOutput(w io.Writer) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		l.SetOutput(w)
	}
}

// GetLogger returns the current logger instance.
// This function is thread-safe and can be called concurrently.
func GetLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Printf logs a formatted diagnostic line.
// This function is thread-safe and can be called concurrently.
func Printf(format string, args ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		l.Debugf(format, args...)
	}
}

// Println logs its operands separated by spaces.
func Println(args ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		l.Debugln(args...)
	}
}

// Print logs its operands without separators.
func Print(args ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		l.Debug(args...)
	}
}

// WithFields returns an entry carrying structured fields, used where a
// decision point has more context than fits in a message.
func WithFields(fields logrus.Fields) *logrus.Entry {
	mu.RLock()
	l := logger
	mu.RUnlock()
	return l.WithFields(fields)
}
