// Package broker dispatches "service.action" calls to registered services, serving cacheable
// actions through the result cache and carrying service events on the event bus.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/docservice/pkg/cache"
	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/tracing"
	"github.com/nimburion/docservice/pkg/service"
)

// HeaderNodeID marks the broker instance that emitted an event.
const HeaderNodeID = "node_id"

var (
	// ErrServiceNotFound is returned when no service is registered under the called name.
	ErrServiceNotFound = errors.New("service not found")
	// ErrActionNotFound is returned when the service has no action with the called name.
	ErrActionNotFound = errors.New("action not found")
)

// ActionProvider is a named set of actions, typically a *service.Service.
type ActionProvider interface {
	Name() string
	Actions() []service.Action
}

// Options configures a Broker. Bus and Cacher are optional.
type Options struct {
	Bus    eventbus.EventBus
	Cacher *cache.Cacher
	Logger logger.Logger
}

// Broker is the action dispatcher.
type Broker struct {
	nodeID string
	bus    eventbus.EventBus
	cacher *cache.Cacher
	log    logger.Logger

	mu         sync.RWMutex
	services   map[string]map[string]service.Action
	subscribed bool
}

// New creates a Broker with no services.
func New(opts Options) *Broker {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	nodeID := uuid.NewString()
	return &Broker{
		nodeID:   nodeID,
		bus:      opts.Bus,
		cacher:   opts.Cacher,
		log:      log.With("component", "broker", "node_id", nodeID),
		services: make(map[string]map[string]service.Action),
	}
}

// NodeID identifies this broker instance on the bus.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Register adds the actions of p under p.Name().
func (b *Broker) Register(p ActionProvider) error {
	name := p.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("service name is required")
	}
	actions := make(map[string]service.Action)
	for _, a := range p.Actions() {
		actions[a.Name] = a
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	b.services[name] = actions
	b.log.Info("service registered", "service", name, "actions", len(actions))
	return nil
}

// Services returns the registered service names, sorted.
func (b *Broker) Services() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start subscribes the cache to invalidations broadcast by other instances.
func (b *Broker) Start(ctx context.Context) error {
	if b.bus == nil || b.cacher == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return nil
	}
	if err := b.bus.Subscribe(ctx, service.EventCacheClean, b.onCacheClean); err != nil {
		return fmt.Errorf("subscribe to %s: %w", service.EventCacheClean, err)
	}
	b.subscribed = true
	return nil
}

// Stop drops the bus subscription.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subscribed {
		return
	}
	b.subscribed = false
	if err := b.bus.Unsubscribe(service.EventCacheClean); err != nil {
		b.log.Warn("failed to unsubscribe", "topic", service.EventCacheClean, "error", err)
	}
}

func (b *Broker) onCacheClean(ctx context.Context, msg *eventbus.Message) error {
	if msg.Headers[HeaderNodeID] == b.nodeID {
		return nil
	}
	return b.cacher.HandleClean(ctx, msg)
}

// Call runs the action named "<service>.<action>" with params.
func (b *Broker) Call(ctx context.Context, name string, params service.Params) (result interface{}, err error) {
	svcName, actionName, err := splitActionName(name)
	if err != nil {
		return nil, err
	}
	action, err := b.lookup(svcName, actionName)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = service.Params{}
	}

	cached := b.cacher != nil && action.Cacheable()
	ctx, span := tracing.StartActionSpan(ctx, name, cached)
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		observeAction(name, start, err)
	}()

	if !cached {
		return action.Handler(ctx, params)
	}
	key := cache.Key(svcName, actionName, action.CacheKeys, params)
	return b.cacher.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return action.Handler(ctx, params)
	})
}

func (b *Broker) lookup(svcName, actionName string) (service.Action, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	actions, ok := b.services[svcName]
	if !ok {
		return service.Action{}, fmt.Errorf("%w: %s", ErrServiceNotFound, svcName)
	}
	action, ok := actions[actionName]
	if !ok {
		return service.Action{}, fmt.Errorf("%w: %s.%s", ErrActionNotFound, svcName, actionName)
	}
	return action, nil
}

func splitActionName(name string) (string, string, error) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("%w: %q is not <service>.<action>", ErrActionNotFound, name)
	}
	return name[:i], name[i+1:], nil
}

// Emit implements service.Emitter. Cache invalidations are applied to the local cache before
// being broadcast, so the emitting caller never reads its own stale entries. A failed local
// clean is still broadcast; both failures are reported together.
func (b *Broker) Emit(ctx context.Context, event string, payload interface{}) error {
	var cleanErr error
	if event == service.EventCacheClean && b.cacher != nil {
		pattern, ok := payload.(string)
		if !ok {
			return fmt.Errorf("%s payload must be a pattern string, got %T", event, payload)
		}
		if _, err := b.cacher.Clean(ctx, pattern); err != nil {
			cleanErr = err
		}
	}
	if b.bus == nil {
		return cleanErr
	}

	msg, err := eventbus.NewJSONMessage(event, payload)
	if err != nil {
		return errors.Join(cleanErr, err)
	}
	msg.Headers[HeaderNodeID] = b.nodeID
	if err := b.bus.Publish(ctx, event, msg); err != nil {
		return errors.Join(cleanErr, fmt.Errorf("broadcast %s: %w", event, err))
	}
	return cleanErr
}
