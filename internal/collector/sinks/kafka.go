package sinks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaSink publishes each event as one message keyed by Event.Key, so
// retries of the same event land on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string

	// SASL/PLAIN credentials, optional.
	Username string
	Password string
	TLS      bool

	BatchSize    int
	BatchTimeout time.Duration
	// Compression is one of "", "gzip", "snappy", "lz4" or "zstd".
	Compression string
	// RequiredAcks is "leader" (default), "none" or "all".
	RequiredAcks string
	Async        bool
}

func NewKafkaSink(config *KafkaConfig) (*KafkaSink, error) {
	if config == nil || len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	transport := &kafka.Transport{}
	if config.Username != "" {
		transport.SASL = plain.Mechanism{Username: config.Username, Password: config.Password}
	}
	if config.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var compression kafka.Compression
	switch config.Compression {
	case "", "none":
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	default:
		return nil, fmt.Errorf("unsupported kafka compression: %s", config.Compression)
	}

	acks := kafka.RequireOne
	switch config.RequiredAcks {
	case "", "leader", "1":
	case "none", "0":
		acks = kafka.RequireNone
	case "all", "-1":
		acks = kafka.RequireAll
	default:
		return nil, fmt.Errorf("unsupported kafka required_acks: %s", config.RequiredAcks)
	}

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Transport:    transport,
			Balancer:     &kafka.Hash{},
			BatchSize:    batchSize,
			BatchTimeout: batchTimeout,
			Compression:  compression,
			RequiredAcks: acks,
			Async:        config.Async,
		},
		topic: config.Topic,
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, event Event) error {
	return s.SendBatch(ctx, []Event{event})
}

func (s *KafkaSink) SendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	messages, err := kafkaMessages(events, time.Now())
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", s.topic, err)
	}
	return nil
}

func kafkaMessages(events []Event, now time.Time) ([]kafka.Message, error) {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		data, err := event.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event.Key(), err)
		}
		messages[i] = kafka.Message{
			Key:   []byte(event.Key()),
			Value: data,
			Time:  now,
		}
	}
	return messages, nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func init() {
	Register("kafka", func(_ context.Context, config map[string]any) (Sink, error) {
		return NewKafkaSink(&KafkaConfig{
			Brokers:      stringsOption(config, "brokers"),
			Topic:        stringOption(config, "topic"),
			Username:     stringOption(config, "username"),
			Password:     stringOption(config, "password"),
			TLS:          boolOption(config, "tls"),
			BatchSize:    intOption(config, "batch_size"),
			BatchTimeout: time.Duration(intOption(config, "batch_timeout_ms")) * time.Millisecond,
			Compression:  stringOption(config, "compression"),
			RequiredAcks: stringOption(config, "required_acks"),
			Async:        boolOption(config, "async"),
		})
	})
}
