// Package local provides an in-process event bus. Publish delivers synchronously to every
// handler subscribed to the topic before returning.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/tracing"
)

// Bus is an in-process eventbus.EventBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]eventbus.MessageHandler
	logger   logger.Logger
	closed   bool
}

// NewBus creates an empty in-process bus.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Bus{
		handlers: make(map[string][]eventbus.MessageHandler),
		logger:   log,
	}
}

// Publish hands message to every handler of topic. Handler errors are joined and returned
// after all handlers ran.
func (b *Bus) Publish(ctx context.Context, topic string, message *eventbus.Message) (err error) {
	if message == nil {
		return errors.New("message is required")
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return eventbus.ErrClosed
	}
	handlers := append([]eventbus.MessageHandler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("local"),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(message.ID))
	defer func() { tracing.End(span, err) }()

	var errs []error
	for _, h := range handlers {
		if herr := h(ctx, message); herr != nil {
			b.logger.Error("message handler failed", "topic", topic, "message_id", message.ID, "error", herr)
			errs = append(errs, herr)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deliver message to topic %s: %w", topic, errors.Join(errs...))
	}
	return nil
}

// PublishBatch publishes messages in order and stops at the first failure.
func (b *Bus) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := b.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds handler to topic. A topic may have several handlers.
func (b *Bus) Subscribe(_ context.Context, topic string, handler eventbus.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eventbus.ErrClosed
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.logger.Debug("subscribed to topic", "topic", topic)
	return nil
}

// Unsubscribe removes every handler of topic.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[topic]; !ok {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	delete(b.handlers, topic)
	return nil
}

// HealthCheck fails only after Close.
func (b *Bus) HealthCheck(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return eventbus.ErrClosed
	}
	return nil
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = map[string][]eventbus.MessageHandler{}
	return nil
}
