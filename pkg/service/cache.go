package service

import (
	"context"
)

// EventCacheClean is the event broadcast after every successful mutation.
const EventCacheClean = "cache.clean"

// Emitter broadcasts events on the shared event bus.
type Emitter interface {
	Emit(ctx context.Context, event string, payload interface{}) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event string, payload interface{}) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, event string, payload interface{}) error {
	return f(ctx, event, payload)
}

type discardEmitter struct{}

func (discardEmitter) Emit(context.Context, string, interface{}) error { return nil }

// CachePattern returns the invalidation pattern covering every cache entry of the service.
func (s *Service) CachePattern() string {
	return s.name + ".*"
}

// ClearCache broadcasts the namespace invalidation. A failed broadcast is logged, not returned:
// the mutation has already been applied and callers cannot undo it.
func (s *Service) ClearCache(ctx context.Context) {
	if err := s.emitter.Emit(ctx, EventCacheClean, s.CachePattern()); err != nil {
		s.log.Error("failed to broadcast cache invalidation", "pattern", s.CachePattern(), "error", err)
	}
}
