// Package eventbus defines the broadcast bus that carries service events such as "cache.clean"
// between docservice instances.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the content type of messages built by NewJSONMessage.
const ContentTypeJSON = "application/json"

// ErrClosed is returned by adapters after Close.
var ErrClosed = errors.New("event bus is closed")

// Producer defines the interface for publishing messages to topics.
type Producer interface {
	// Publish sends a single message to the specified topic.
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch sends multiple messages to the specified topic in a single operation.
	// Returns an error if any message in the batch fails to publish.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// Close gracefully shuts down the producer, flushing any pending messages.
	Close() error
}

// Consumer defines the interface for subscribing to topics and consuming messages.
type Consumer interface {
	// Subscribe registers a message handler for the specified topic.
	// The handler will be invoked for each message received on the topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Unsubscribe removes the subscription for the specified topic.
	Unsubscribe(topic string) error

	// Close gracefully shuts down the consumer.
	Close() error
}

// EventBus combines Producer and Consumer interfaces with health checking.
// This is the primary interface for event bus adapters (local, Kafka, RabbitMQ).
type EventBus interface {
	Producer
	Consumer

	// HealthCheck verifies connectivity to the message broker.
	HealthCheck(ctx context.Context) error
}

// Message represents a message to be published or consumed from a topic.
type Message struct {
	// ID is a unique identifier for the message.
	ID string

	// Key is used for partitioning in systems like Kafka.
	Key string

	// Value is the serialized message payload.
	Value []byte

	// Headers contains arbitrary key-value metadata for the message.
	Headers map[string]string

	// ContentType indicates the serialization format.
	ContentType string

	// Timestamp is when the message was created.
	Timestamp time.Time
}

// MessageHandler is a function type for processing consumed messages.
// Returning an error asks the adapter to redeliver when the broker supports it.
type MessageHandler func(ctx context.Context, msg *Message) error

// NewJSONMessage encodes payload as a JSON message with a fresh ID.
func NewJSONMessage(key string, payload interface{}) (*Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode message payload: %w", err)
	}
	return &Message{
		ID:          uuid.NewString(),
		Key:         key,
		Value:       value,
		Headers:     map[string]string{},
		ContentType: ContentTypeJSON,
		Timestamp:   time.Now().UTC(),
	}, nil
}
