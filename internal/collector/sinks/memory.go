package sinks

import (
	"context"
	"fmt"
	"sync"
)

// MemorySink keeps every event in memory. It backs tests and can be
// told to fail.
type MemorySink struct {
	mu       sync.Mutex
	messages [][]byte
	keys     []string
	err      error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Send(ctx context.Context, event Event) error {
	return s.SendBatch(ctx, []Event{event})
}

// SendBatch stores all events or, when failing, none of them.
func (s *MemorySink) SendBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, event := range events {
		data, err := event.JSON()
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.Key(), err)
		}
		s.messages = append(s.messages, data)
		s.keys = append(s.keys, event.Key())
	}
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Fail makes subsequent sends return err. Nil restores normal operation.
func (s *MemorySink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Messages returns the encoded events received so far.
func (s *MemorySink) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.messages...)
}

// Keys returns the keys of the events received so far.
func (s *MemorySink) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func init() {
	Register("memory", func(context.Context, map[string]any) (Sink, error) {
		return NewMemorySink(), nil
	})
}
