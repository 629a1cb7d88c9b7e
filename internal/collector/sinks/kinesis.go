package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
)

// PutRecords accepts at most this many records per call.
const kinesisMaxBatch = 500

// KinesisSink writes events to a Kinesis data stream, partitioned by
// Event.Key.
type KinesisSink struct {
	client     *kinesis.Client
	streamName string
}

type KinesisConfig struct {
	StreamName string
	Region     string

	// Static credentials. The default credential chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides the service endpoint, for LocalStack and the like.
	Endpoint string
}

func NewKinesisSink(ctx context.Context, cfg *KinesisConfig) (*KinesisSink, error) {
	if cfg == nil || cfg.StreamName == "" {
		return nil, errors.New("kinesis stream_name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("kinesis region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*kinesis.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *kinesis.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &KinesisSink{
		client:     kinesis.NewFromConfig(awsCfg, clientOpts...),
		streamName: cfg.StreamName,
	}, nil
}

func (s *KinesisSink) Name() string { return "kinesis" }

func (s *KinesisSink) Send(ctx context.Context, event Event) error {
	return s.SendBatch(ctx, []Event{event})
}

func (s *KinesisSink) SendBatch(ctx context.Context, events []Event) error {
	for start := 0; start < len(events); start += kinesisMaxBatch {
		end := start + kinesisMaxBatch
		if end > len(events) {
			end = len(events)
		}
		entries, err := kinesisEntries(events[start:end])
		if err != nil {
			return err
		}
		out, err := s.client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(s.streamName),
			Records:    entries,
		})
		if err != nil {
			return fmt.Errorf("failed to put records to kinesis: %w", err)
		}
		if out.FailedRecordCount != nil && *out.FailedRecordCount > 0 {
			return fmt.Errorf("kinesis: %d of %d records failed", *out.FailedRecordCount, len(entries))
		}
	}
	return nil
}

func kinesisEntries(events []Event) ([]types.PutRecordsRequestEntry, error) {
	entries := make([]types.PutRecordsRequestEntry, len(events))
	for i, event := range events {
		data, err := event.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event.Key(), err)
		}
		key := event.Key()
		if key == "" {
			key = uuid.NewString()
		}
		entries[i] = types.PutRecordsRequestEntry{
			Data:         data,
			PartitionKey: aws.String(key),
		}
	}
	return entries, nil
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (s *KinesisSink) Close() error { return nil }

func init() {
	Register("kinesis", func(ctx context.Context, config map[string]any) (Sink, error) {
		return NewKinesisSink(ctx, &KinesisConfig{
			StreamName:      stringOption(config, "stream_name"),
			Region:          stringOption(config, "region"),
			AccessKeyID:     stringOption(config, "access_key_id"),
			SecretAccessKey: stringOption(config, "secret_access_key"),
			SessionToken:    stringOption(config, "session_token"),
			Endpoint:        stringOption(config, "endpoint"),
		})
	})
}
