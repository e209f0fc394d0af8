// Package publish fans committed events out to a message broker.
package publish

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/event"
)

// Message header names.
const (
	HeaderEventType = "event-type"
	HeaderSequence  = "sequence"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes committed events to a Kafka topic, one message per
// event, keyed by stream key so a stream's events land on one partition
// in order.
type Kafka struct {
	writer MessageWriter
	codec  event.Codec
}

// NewKafka returns a Kafka publisher writing to cfg.Topic on cfg.Brokers.
func NewKafka(cfg config.PublisherConfig, codec event.Codec) *Kafka {
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, codec)
}

// NewKafkaWithWriter returns a Kafka publisher using w.
func NewKafkaWithWriter(w MessageWriter, codec event.Codec) *Kafka {
	return &Kafka{writer: w, codec: codec}
}

// Publish writes events as a single batch.
func (k *Kafka) Publish(ctx context.Context, key string, events []event.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := k.codec.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %d: %w", e.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: HeaderEventType, Value: []byte(e.Type)},
				{Key: HeaderSequence, Value: []byte(strconv.FormatInt(e.Sequence, 10))},
			},
			Time: e.CreatedAt,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d messages for %s: %w", len(msgs), key, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
