// Package kafka reads Debezium change envelopes from a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/source"
)

// Config holds Kafka reader settings
type Config struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
	// StartOffset is "earliest" or "latest"; only used for new consumer groups
	StartOffset string
}

// Reader is a source.Source backed by a kafka-go consumer group reader.
// Offsets are committed explicitly after a message has been handled.
type Reader struct {
	reader      *kafka.Reader
	pollTimeout time.Duration
	grouped     bool
	logger      *logrus.Logger
}

// NewReader creates a new Kafka reader
func NewReader(cfg Config, logger *logrus.Logger) (*Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	startOffset := kafka.FirstOffset
	if cfg.StartOffset == "latest" {
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     cfg.PollTimeout,
		StartOffset: startOffset,
		ErrorLogger: kafka.LoggerFunc(logger.WithField("component", "kafka").Errorf),
	})

	logger.Infof("Kafka reader: brokers=%v topic=%s group=%s", cfg.Brokers, cfg.Topic, cfg.GroupID)

	return &Reader{
		reader:      reader,
		pollTimeout: cfg.PollTimeout,
		grouped:     cfg.GroupID != "",
		logger:      logger,
	}, nil
}

// Fetch waits up to the poll timeout for the next message
func (r *Reader) Fetch(ctx context.Context) (*source.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	msg, err := r.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Nothing arrived within the poll timeout
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, classify(err)
	}

	return &source.Message{
		Value:  msg.Value,
		Topic:  msg.Topic,
		Offset: msg.Offset,
		Ack:    msg,
	}, nil
}

// Commit marks msg as processed for the consumer group. Without a group there
// is nothing to commit.
func (r *Reader) Commit(ctx context.Context, msg *source.Message) error {
	if !r.grouped || msg == nil {
		return nil
	}
	km, ok := msg.Ack.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka: message %s@%d was not fetched by this reader", msg.Topic, msg.Offset)
	}
	if err := r.reader.CommitMessages(ctx, km); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	return nil
}

// Close closes the underlying reader and leaves the consumer group
func (r *Reader) Close() error {
	r.logger.Info("Closing Kafka reader...")
	if err := r.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	r.logger.Info("Kafka reader closed")
	return nil
}

// fatalCodes are broker errors retrying cannot fix
var fatalCodes = map[kafka.Error]bool{
	kafka.TopicAuthorizationFailed:           true,
	kafka.GroupAuthorizationFailed:           true,
	kafka.ClusterAuthorizationFailed:         true,
	kafka.SASLAuthenticationFailed:           true,
	kafka.UnsupportedSASLMechanism:           true,
	kafka.InvalidGroupId:                     true,
	kafka.UnsupportedVersion:                 true,
	kafka.InconsistentGroupProtocol:          true,
	kafka.InvalidSessionTimeout:              true,
	kafka.IllegalSASLState:                   true,
	kafka.SecurityDisabled:                   true,
	kafka.TransactionalIDAuthorizationFailed: true,
}

// classify wraps err with source.ErrFatal when the reader cannot continue
func classify(err error) error {
	// The reader was closed underneath us
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return source.Fatal(err)
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) && fatalCodes[kerr] {
		return source.Fatal(err)
	}
	return err
}
