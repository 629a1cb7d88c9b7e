package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

const stdoutPrefix = "[tally-collector] "

// StdoutSink writes one line per event. It is meant for local development.
type StdoutSink struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
}

type StdoutConfig struct {
	// Pretty indents the JSON.
	Pretty bool
	// Output is "stdout" (default) or "stderr".
	Output string
}

func NewStdoutSink(config *StdoutConfig) *StdoutSink {
	s := &StdoutSink{writer: os.Stdout}
	if config != nil {
		s.pretty = config.Pretty
		if config.Output == "stderr" {
			s.writer = os.Stderr
		}
	}
	return s
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Send(ctx context.Context, event Event) error {
	return s.SendBatch(ctx, []Event{event})
}

func (s *StdoutSink) SendBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		data, err := event.JSON()
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.Key(), err)
		}
		if s.pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, data, "", "  "); err == nil {
				data = buf.Bytes()
			}
		}
		if _, err := fmt.Fprintf(s.writer, "%s%s\n", stdoutPrefix, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *StdoutSink) Close() error { return nil }

// SetWriter redirects output.
func (s *StdoutSink) SetWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

func init() {
	Register("stdout", func(_ context.Context, config map[string]any) (Sink, error) {
		return NewStdoutSink(&StdoutConfig{
			Pretty: boolOption(config, "pretty"),
			Output: stringOption(config, "output"),
		}), nil
	})
}
