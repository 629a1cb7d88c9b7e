// Package sinks delivers events accepted by the collector to a backend:
// stdout for local development, a webhook, Kafka or Kinesis.
package sinks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Event is what a sink forwards. Key is a stable identifier usable for
// partitioning.
type Event interface {
	Key() string
	JSON() ([]byte, error)
}

// Sink is an event destination. Implementations must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
	SendBatch(ctx context.Context, events []Event) error
	// Close flushes anything buffered and releases the backend.
	Close() error
}

// Factory builds a sink from its decoded configuration block.
type Factory func(ctx context.Context, config map[string]any) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a sink type available to Create. Registering a name twice
// replaces the earlier factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create builds the sink registered as name.
func Create(ctx context.Context, name string, config map[string]any) (Sink, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", name)
	}
	if config == nil {
		config = map[string]any{}
	}
	return factory(ctx, config)
}

// Available returns the registered sink types, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config blocks come from YAML or JSON, so numbers may arrive as int or
// float64 and lists as []any.

func stringOption(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func boolOption(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

func intOption(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringsOption(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func stringMapOption(config map[string]any, key string) map[string]string {
	switch v := config[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
