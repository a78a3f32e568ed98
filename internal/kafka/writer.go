package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer publishes raw change envelopes to a Kafka topic
type Writer struct {
	writer *kafka.Writer
}

// NewWriter creates a writer for topic. Call Close when shutting down.
func NewWriter(brokers []string, topic string) (*Writer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	return &Writer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Write publishes value keyed by key
func (w *Writer) Write(ctx context.Context, key, value []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.writer.WriteMessages(writeCtx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (w *Writer) Close() error {
	return w.writer.Close()
}
