// Package stream publishes ledger audit events to Kafka.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	vestring "go-vestring"
)

// Publisher is an EventSink that writes JSON-encoded ledger events to a
// Kafka topic.
type Publisher struct {
	producer *kafka.Producer
	topic    string
}

// NewPublisher connects a producer to the given broker and topic.
func NewPublisher(broker, topic string) (*Publisher, error) {
	var producerConfig = &kafka.ConfigMap{
		"bootstrap.servers":        broker,
		"acks":                     "all",
		"compression.type":         "snappy",
		"linger.ms":                10,
		"message.send.max.retries": 10,
		"retry.backoff.ms":         100,
		"enable.idempotence":       true, // The journal must not double-publish on retry
		"delivery.timeout.ms":      30000,
	}

	producer, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Publisher{
		producer: producer,
		topic:    topic,
	}, nil
}

// Publish writes one event to the topic, keyed by ledger so every
// consumer sees a single ledger's events in order.
func (p *Publisher) Publish(ctx context.Context, event vestring.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}

	var message = &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.LedgerID),
		Value:          payload,
	}

	if err := p.producer.Produce(message, nil); err != nil {
		return fmt.Errorf("failed to produce event %s: %w", event.EventID, err)
	}

	return nil
}

// Close flushes outstanding deliveries and tears the producer down.
func (p *Publisher) Close(timeoutMs int) {
	p.producer.Flush(timeoutMs)
	p.producer.Close()
}
