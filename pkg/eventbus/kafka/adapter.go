// Package kafka broadcasts bus messages through Apache Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/tracing"
)

// HeaderMessageID carries eventbus.Message.ID, which Kafka records have no field for.
const HeaderMessageID = "message_id"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAdapter implements the eventbus.EventBus interface for Apache Kafka.
// It manages a single producer for publishing messages and one reader per subscribed topic.
type KafkaAdapter struct {
	producer  messageWriter
	consumers map[string]*consumer
	newReader func(topic string) messageReader
	logger    logger.Logger
	config    Config
	mu        sync.RWMutex
	closed    bool
}

type consumer struct {
	reader messageReader
	cancel context.CancelFunc
}

// Config holds the configuration for the Kafka adapter.
type Config struct {
	// Brokers is the list of Kafka broker addresses (e.g., ["localhost:9092"])
	Brokers []string

	// OperationTimeout is the timeout for publish operations
	OperationTimeout time.Duration

	// MaxRetries is the maximum number of write attempts
	MaxRetries int

	// GroupID is the consumer group of subscriptions. Every instance must use its own group
	// to receive every broadcast; an empty GroupID generates a unique one.
	GroupID string
}

// NewKafkaAdapter creates a new Kafka adapter with the specified configuration.
func NewKafkaAdapter(cfg Config, log logger.Logger) (*KafkaAdapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "docservice-" + uuid.NewString()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	producer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxRetries,
		WriteTimeout:           cfg.OperationTimeout,
		ReadTimeout:            cfg.OperationTimeout,
		AllowAutoTopicCreation: true,
	}

	log.Info("kafka adapter initialized",
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
		"operation_timeout", cfg.OperationTimeout,
	)

	a := &KafkaAdapter{
		producer:  producer,
		consumers: make(map[string]*consumer),
		logger:    log,
		config:    cfg,
	}
	a.newReader = a.defaultReader
	return a, nil
}

func (a *KafkaAdapter) defaultReader(topic string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        a.config.Brokers,
		Topic:          topic,
		GroupID:        a.config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxWait:        500 * time.Millisecond,
	})
}

// Publish sends a single message to the specified topic.
func (a *KafkaAdapter) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("message is required")
	}
	return a.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

// PublishBatch sends multiple messages to the specified topic in a single write.
func (a *KafkaAdapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) (err error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return eventbus.ErrClosed
	}
	a.mu.RUnlock()

	if len(messages) == 0 {
		return nil
	}

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("kafka"),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(messages[0].ID))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	kafkaMessages := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		kafkaMessages[i] = toKafkaMessage(topic, msg)
	}

	if err = a.producer.WriteMessages(ctx, kafkaMessages...); err != nil {
		a.logger.Error("failed to publish messages",
			"topic", topic,
			"batch_size", len(messages),
			"error", err,
		)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	a.logger.Debug("messages published",
		"topic", topic,
		"batch_size", len(messages),
	)
	return nil
}

// Subscribe creates a reader for topic and consumes it in a background goroutine until ctx
// is done or the topic is unsubscribed.
func (a *KafkaAdapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return eventbus.ErrClosed
	}
	if _, exists := a.consumers[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	reader := a.newReader(topic)
	subCtx, cancel := context.WithCancel(ctx)
	a.consumers[topic] = &consumer{reader: reader, cancel: cancel}

	go a.consumeMessages(subCtx, topic, reader, handler)

	a.logger.Info("subscribed to topic",
		"topic", topic,
		"group_id", a.config.GroupID,
	)
	return nil
}

// Unsubscribe stops consuming topic.
func (a *KafkaAdapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, exists := a.consumers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	delete(a.consumers, topic)
	c.cancel()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer for topic %s: %w", topic, err)
	}

	a.logger.Info("unsubscribed from topic", "topic", topic)
	return nil
}

// Close shuts down the producer and all active consumers.
func (a *KafkaAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if err := a.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	for topic, c := range a.consumers {
		c.cancel()
		if err := c.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer for topic %s: %w", topic, err))
		}
	}
	a.consumers = make(map[string]*consumer)

	a.logger.Info("kafka adapter closed")
	return errors.Join(errs...)
}

// HealthCheck verifies connectivity to the first broker by fetching broker metadata.
func (a *KafkaAdapter) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return eventbus.ErrClosed
	}
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

func (a *KafkaAdapter) consumeMessages(ctx context.Context, topic string, reader messageReader, handler eventbus.MessageHandler) {
	a.logger.Debug("started consuming messages", "topic", topic)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				a.logger.Debug("stopping message consumption", "topic", topic)
				return
			}
			a.logger.Error("failed to fetch message", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		eventMsg := fromKafkaMessage(msg)
		if err := a.handle(ctx, topic, eventMsg, handler); err != nil {
			a.logger.Error("message handler failed",
				"topic", topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			// uncommitted, redelivered after a rebalance
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			a.logger.Error("failed to commit message",
				"topic", topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (a *KafkaAdapter) handle(ctx context.Context, topic string, msg *eventbus.Message, handler eventbus.MessageHandler) (err error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgConsume,
		tracing.WithMessagingSystem("kafka"),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(msg.ID))
	defer func() { tracing.End(span, err) }()
	return handler(ctx, msg)
}

func toKafkaMessage(topic string, msg *eventbus.Message) kafka.Message {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.ID != "" {
		headers[HeaderMessageID] = msg.ID
	}
	if msg.ContentType != "" {
		headers["content_type"] = msg.ContentType
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: convertHeaders(headers),
		Time:    msg.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *eventbus.Message {
	headers := convertKafkaHeaders(msg.Headers)
	out := &eventbus.Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
	}
	if headers != nil {
		out.ID = headers[HeaderMessageID]
		out.ContentType = headers["content_type"]
		delete(headers, HeaderMessageID)
		delete(headers, "content_type")
	}
	return out
}

// convertHeaders converts eventbus headers to Kafka headers
func convertHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{
			Key:   key,
			Value: []byte(value),
		})
	}
	return kafkaHeaders
}

// convertKafkaHeaders converts Kafka headers to eventbus headers
func convertKafkaHeaders(headers []kafka.Header) map[string]string {
	if headers == nil {
		return nil
	}

	eventHeaders := make(map[string]string, len(headers))
	for _, header := range headers {
		eventHeaders[header.Key] = string(header.Value)
	}
	return eventHeaders
}
