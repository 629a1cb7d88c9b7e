package sinks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	key  string
	data string
	err  error
}

func (e testEvent) Key() string { return e.key }

func (e testEvent) JSON() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []byte(e.data), nil
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"kafka", "kinesis", "memory", "stdout", "webhook"}, Available())

	sink, err := Create(context.Background(), "memory", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", sink.Name())

	_, err = Create(context.Background(), "carrier-pigeon", nil)
	assert.EqualError(t, err, "unknown sink type: carrier-pigeon")
}

func TestOptionHelpers(t *testing.T) {
	config := map[string]any{
		"s":      "v",
		"b":      true,
		"int":    3,
		"float":  float64(4),
		"list":   []any{"a", 1, "b"},
		"single": "only",
		"map":    map[string]any{"X-Key": "k", "ignored": 2},
	}

	assert.Equal(t, "v", stringOption(config, "s"))
	assert.Empty(t, stringOption(config, "b"))
	assert.True(t, boolOption(config, "b"))
	assert.Equal(t, 3, intOption(config, "int"))
	assert.Equal(t, 4, intOption(config, "float"))
	assert.Zero(t, intOption(config, "missing"))
	assert.Equal(t, []string{"a", "b"}, stringsOption(config, "list"))
	assert.Equal(t, []string{"only"}, stringsOption(config, "single"))
	assert.Equal(t, map[string]string{"X-Key": "k"}, stringMapOption(config, "map"))
}

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdoutSink(nil)
	sink.SetWriter(&buf)

	require.NoError(t, sink.SendBatch(context.Background(), []Event{
		testEvent{key: "1", data: `{"n":1}`},
		testEvent{key: "2", data: `{"n":2}`},
	}))
	assert.Equal(t, "[tally-collector] {\"n\":1}\n[tally-collector] {\"n\":2}\n", buf.String())

	err := sink.Send(context.Background(), testEvent{key: "bad", err: errors.New("nope")})
	assert.ErrorContains(t, err, "failed to marshal event bad")
}

func TestStdoutSinkPretty(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdoutSink(&StdoutConfig{Pretty: true})
	sink.SetWriter(&buf)

	require.NoError(t, sink.Send(context.Background(), testEvent{key: "1", data: `{"n":1}`}))
	assert.Equal(t, "[tally-collector] {\n  \"n\": 1\n}\n", buf.String())
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, testEvent{key: "a", data: "1"}))
	sink.Fail(errors.New("down"))
	assert.EqualError(t, sink.Send(ctx, testEvent{key: "b", data: "2"}), "down")
	sink.Fail(nil)
	require.NoError(t, sink.Send(ctx, testEvent{key: "c", data: "3"}))

	assert.Equal(t, []string{"a", "c"}, sink.Keys())
	assert.Equal(t, [][]byte{[]byte("1"), []byte("3")}, sink.Messages())
}

func TestWebhookSink(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		auth   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		if strings.Contains(string(b), "reject") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad event"))
		}
	}))
	defer server.Close()

	sink, err := Create(context.Background(), "webhook", map[string]any{
		"url":        server.URL,
		"headers":    map[string]any{"Authorization": "Bearer t"},
		"timeout_ms": 2000,
	})
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.SendBatch(ctx, []Event{
		testEvent{key: "1", data: `{"n":1}`},
		testEvent{key: "2", data: `{"n":2}`},
	}))
	require.NoError(t, sink.SendBatch(ctx, nil))

	err = sink.Send(ctx, testEvent{key: "3", data: `"reject"`})
	assert.EqualError(t, err, "webhook returned status 400: bad event")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`[{"n":1},{"n":2}]`, `["reject"]`}, bodies)
	assert.Equal(t, []string{"Bearer t", "Bearer t"}, auth)
}

func TestWebhookSinkHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	defer server.Close()
	defer close(block)

	sink, err := NewWebhookSink(&WebhookConfig{URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, sink.Send(ctx, testEvent{key: "1", data: "{}"}))
	assert.Less(t, time.Since(start), defaultWebhookTimeout)
}

func TestWebhookSinkRequiresURL(t *testing.T) {
	_, err := NewWebhookSink(nil)
	assert.Error(t, err)
	_, err = Create(context.Background(), "webhook", map[string]any{})
	assert.Error(t, err)
}

func TestNewKafkaSink(t *testing.T) {
	tests := []struct {
		name    string
		config  *KafkaConfig
		wantErr string
	}{
		{"nil", nil, "kafka brokers are required"},
		{"no topic", &KafkaConfig{Brokers: []string{"localhost:9092"}}, "kafka topic is required"},
		{"bad compression", &KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t", Compression: "brotli"}, "unsupported kafka compression: brotli"},
		{"bad acks", &KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t", RequiredAcks: "some"}, "unsupported kafka required_acks: some"},
		{"minimal", &KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events"}, ""},
		{"full", &KafkaConfig{
			Brokers:      []string{"a:9092", "b:9092"},
			Topic:        "events",
			Username:     "u",
			Password:     "p",
			TLS:          true,
			BatchSize:    10,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  "zstd",
			RequiredAcks: "all",
			Async:        true,
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewKafkaSink(tt.config)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer sink.Close()
			assert.Equal(t, "kafka", sink.Name())
			assert.Equal(t, tt.config.Topic, sink.writer.Topic)
		})
	}
}

func TestKafkaMessages(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	messages, err := kafkaMessages([]Event{testEvent{key: "m1", data: `{"a":1}`}}, now)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, []byte("m1"), messages[0].Key)
	assert.Equal(t, []byte(`{"a":1}`), messages[0].Value)
	assert.Equal(t, now, messages[0].Time)

	_, err = kafkaMessages([]Event{testEvent{key: "x", err: errors.New("boom")}}, now)
	assert.Error(t, err)
}

func TestNewKinesisSink(t *testing.T) {
	ctx := context.Background()

	_, err := NewKinesisSink(ctx, &KinesisConfig{Region: "us-east-1"})
	assert.EqualError(t, err, "kinesis stream_name is required")
	_, err = NewKinesisSink(ctx, &KinesisConfig{StreamName: "events"})
	assert.EqualError(t, err, "kinesis region is required")

	sink, err := Create(ctx, "kinesis", map[string]any{
		"stream_name":       "events",
		"region":            "us-east-1",
		"access_key_id":     "AKIDEXAMPLE",
		"secret_access_key": "secret",
		"endpoint":          "http://localhost:4566",
	})
	require.NoError(t, err)
	assert.Equal(t, "kinesis", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestKinesisEntries(t *testing.T) {
	entries, err := kinesisEntries([]Event{
		testEvent{key: "m1", data: "{}"},
		testEvent{data: "{}"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", *entries[0].PartitionKey)
	assert.NotEmpty(t, *entries[1].PartitionKey, "keyless events get a random partition key")
}
