package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/docservice"

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBDelete SpanOperation = "db.delete"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgConsume SpanOperation = "messaging.consume"

	SpanOperationCacheGet   SpanOperation = "cache.get"
	SpanOperationCacheClean SpanOperation = "cache.clean"
)

type spanOptions struct {
	target     string
	attributes []attribute.KeyValue
}

func start(ctx context.Context, prefix string, operation SpanOperation, kind trace.SpanKind, o *spanOptions) (context.Context, trace.Span) {
	name := fmt.Sprintf("%s %s", prefix, operation)
	if o.target != "" {
		name = fmt.Sprintf("%s %s %s", prefix, operation, o.target)
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithSpanKind(kind))
	span.SetAttributes(o.attributes...)
	return ctx, span
}

// StartDatabaseSpan creates a client span for a storage operation, named "DB <operation> <collection>".
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{attribute.String("db.operation", string(operation))}}
	for _, opt := range opts {
		opt(o)
	}
	return start(ctx, "DB", operation, trace.SpanKindClient, o)
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*spanOptions)

// WithDBTable sets the collection name.
func WithDBTable(table string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.target = table
		o.attributes = append(o.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system, e.g. "mongodb".
func WithDBSystem(system string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("db.system", system))
	}
}

// WithDBStatement sets the driver command name.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBName sets the database name.
func WithDBName(name string) DatabaseSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("db.name", name))
	}
}

// StartMessagingSpan creates a producer or consumer span for an event bus operation.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{attribute.String("messaging.operation", string(operation))}}
	for _, opt := range opts {
		opt(o)
	}
	kind := trace.SpanKindProducer
	if operation == SpanOperationMsgConsume {
		kind = trace.SpanKindConsumer
	}
	return start(ctx, "MSG", operation, kind, o)
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*spanOptions)

// WithMessagingSystem sets the messaging system, e.g. "kafka".
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the topic or exchange.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.target = destination
		o.attributes = append(o.attributes, attribute.String("messaging.destination", destination))
	}
}

// WithMessagingMessageID sets the message ID.
func WithMessagingMessageID(id string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.message_id", id))
	}
}

// StartCacheSpan creates a client span for a cache operation.
func StartCacheSpan(ctx context.Context, operation SpanOperation, opts ...CacheSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{attribute.String("cache.operation", string(operation))}}
	for _, opt := range opts {
		opt(o)
	}
	return start(ctx, "CACHE", operation, trace.SpanKindClient, o)
}

// CacheSpanOption configures a cache span.
type CacheSpanOption func(*spanOptions)

// WithCacheSystem sets the cache store type.
func WithCacheSystem(system string) CacheSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("cache.system", system))
	}
}

// WithCacheKey sets the key or pattern.
func WithCacheKey(key string) CacheSpanOption {
	return func(o *spanOptions) {
		o.target = key
		o.attributes = append(o.attributes, attribute.String("cache.key", key))
	}
}

// StartActionSpan creates a server span for one broker call, named "action <svc.action>".
func StartActionSpan(ctx context.Context, action string, cached bool) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "action "+action, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("action.name", action),
		attribute.Bool("action.cacheable", cached),
	)
	return ctx, span
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records the outcome of err and ends span.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
