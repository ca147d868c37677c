// Package notify fans alert transitions out to downstream consumers.
//
// Events are keyed by alert key so a consumer partitioned by key sees the
// opened, updated and resolved events of one alert slot in order.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(ctx context.Context, event types.AlertEvent) error { return nil }

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alert events to a Kafka topic.
type KafkaPublisher struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: config.KafkaWriteTimeout,
	}, logger)
}

// NewKafkaPublisherWithWriter creates a publisher over an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger.With("component", "kafka_publisher")}
}

// Notify publishes one event, bounded by the Kafka write timeout.
func (p *KafkaPublisher) Notify(ctx context.Context, event types.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.KafkaWriteTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Alert.Key().String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing %s for alert %s: %w", event.Type, event.Alert.ID, err)
	}
	p.logger.Debug("alert event published", "event", event.Type, "alert_id", event.Alert.ID)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
