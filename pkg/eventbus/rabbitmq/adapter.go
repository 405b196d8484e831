// Package rabbitmq broadcasts bus messages through a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/tracing"
)

// RabbitMQAdapter implements eventbus.EventBus for RabbitMQ.
type RabbitMQAdapter struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	logger logger.Logger
	config Config
	subs   map[string]*subscription
	mu     sync.RWMutex
	closed bool
}

type subscription struct {
	channel *amqp.Channel
	queue   string
	cancel  context.CancelFunc
}

// Config holds RabbitMQ adapter configuration.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// QueueName is the durable queue bound per topic. When empty every subscription gets an
	// exclusive, server-named queue, so each instance receives every broadcast.
	QueueName        string
	OperationTimeout time.Duration
	ConsumerTag      string
}

// NewRabbitMQAdapter dials RabbitMQ, opens the publish channel and declares the exchange.
func NewRabbitMQAdapter(cfg Config, log logger.Logger) (*RabbitMQAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "docservice.events"
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp.ExchangeTopic
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}

	if err := pubCh.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("rabbitmq adapter initialized", "exchange", cfg.Exchange, "exchange_type", cfg.ExchangeType)

	return &RabbitMQAdapter{
		conn:   conn,
		pubCh:  pubCh,
		logger: log,
		config: cfg,
		subs:   make(map[string]*subscription),
	}, nil
}

// Publish sends a message with the topic as routing key.
func (a *RabbitMQAdapter) Publish(ctx context.Context, topic string, message *eventbus.Message) (err error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return eventbus.ErrClosed
	}
	a.mu.RUnlock()

	if message == nil {
		return fmt.Errorf("message is required")
	}

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("rabbitmq"),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(message.ID))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		MessageId:   message.ID,
		ContentType: message.ContentType,
		Body:        message.Value,
		Timestamp:   message.Timestamp,
		Headers:     toAMQPHeaders(message.Headers),
	}

	if err = a.pubCh.PublishWithContext(ctx, a.config.Exchange, topic, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}
	return nil
}

// PublishBatch publishes messages one by one and stops at the first failure.
func (a *RabbitMQAdapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := a.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe declares a queue, binds it to the topic and processes deliveries in a background
// goroutine. Deliveries are acked on success and requeued on handler error.
func (a *RabbitMQAdapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return eventbus.ErrClosed
	}
	if _, exists := a.subs[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create consumer channel: %w", err)
	}

	durable, exclusive := true, false
	if a.config.QueueName == "" {
		durable, exclusive = false, true
	}
	q, err := ch.QueueDeclare(a.config.QueueName, durable, exclusive, exclusive, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, topic, a.config.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, a.config.ConsumerTag, false, exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	a.subs[topic] = &subscription{channel: ch, queue: q.Name, cancel: cancel}
	go a.consumeLoop(subCtx, topic, deliveries, handler)

	a.logger.Info("subscribed to topic", "topic", topic, "queue", q.Name)
	return nil
}

func (a *RabbitMQAdapter) consumeLoop(ctx context.Context, topic string, deliveries <-chan amqp.Delivery, handler eventbus.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := a.handle(ctx, topic, fromDelivery(d), handler); err != nil {
				a.logger.Error("message handler failed", "topic", topic, "message_id", d.MessageId, "error", err)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *RabbitMQAdapter) handle(ctx context.Context, topic string, msg *eventbus.Message, handler eventbus.MessageHandler) (err error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgConsume,
		tracing.WithMessagingSystem("rabbitmq"),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(msg.ID))
	defer func() { tracing.End(span, err) }()
	return handler(ctx, msg)
}

func fromDelivery(d amqp.Delivery) *eventbus.Message {
	return &eventbus.Message{
		ID:          d.MessageId,
		Key:         d.RoutingKey,
		Value:       d.Body,
		Headers:     fromAMQPHeaders(d.Headers),
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
	}
}

// Unsubscribe removes the subscription for the specified topic.
func (a *RabbitMQAdapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.subs[topic]
	if !ok {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	delete(a.subs, topic)
	sub.cancel()
	if err := sub.channel.Close(); err != nil {
		return fmt.Errorf("failed to close subscription channel: %w", err)
	}
	return nil
}

// HealthCheck opens and closes a channel on the connection.
func (a *RabbitMQAdapter) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return eventbus.ErrClosed
	}
	conn := a.conn
	a.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	_ = ch.Close()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq health check: %w", err)
	}
	return nil
}

// Close releases the subscriptions, the publish channel and the connection.
func (a *RabbitMQAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for topic, sub := range a.subs {
		sub.cancel()
		if err := sub.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", topic, err))
		}
	}
	a.subs = map[string]*subscription{}

	if a.pubCh != nil {
		if err := a.pubCh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish channel: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromAMQPHeaders(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
