// Package app assembles a docservice process from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/docservice/pkg/broker"
	"github.com/nimburion/docservice/pkg/cache"
	"github.com/nimburion/docservice/pkg/config"
	"github.com/nimburion/docservice/pkg/eventbus"
	eventbusfactory "github.com/nimburion/docservice/pkg/eventbus/factory"
	"github.com/nimburion/docservice/pkg/gateway"
	"github.com/nimburion/docservice/pkg/health"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/metrics"
	"github.com/nimburion/docservice/pkg/observability/tracing"
	"github.com/nimburion/docservice/pkg/projection"
	"github.com/nimburion/docservice/pkg/service"
	"github.com/nimburion/docservice/pkg/store"
	"github.com/nimburion/docservice/pkg/version"
)

// App owns every runtime component of one process.
type App struct {
	cfg *config.Config
	log logger.Logger

	tracer  *tracing.TracerProvider
	bus     eventbus.EventBus
	store   cache.Store
	cacher  *cache.Cacher
	broker  *broker.Broker
	service *service.Service
	health  *health.Registry
	metrics *metrics.Registry
	gateway *gateway.Gateway

	closeOnce sync.Once
	closeErr  error
}

// New builds the components described by cfg without connecting anything.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		health:  health.NewRegistry(),
		metrics: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	info := version.Current(cfg.ServiceName())
	a.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    info.Service,
		ServiceVersion: info.Version,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing provider: %w", err)
	}

	a.bus, err = eventbusfactory.NewEventBusAdapter(cfg.EventBus, log)
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	a.health.Register(health.NewMessageBrokerChecker("eventbus", a.bus))

	if cfg.Cache.Enabled {
		var system string
		a.store, system, err = NewCacheStore(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("create cache store: %w", err)
		}
		if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			a.health.Register(health.NewCacheChecker("cache", health.CheckableFunc(pinger.Ping)))
		}
		a.cacher, err = cache.NewCacher(a.store, cache.Options{TTL: cfg.Cache.TTL, System: system, Logger: log})
		if err != nil {
			return nil, err
		}
	}

	a.broker = broker.New(broker.Options{Bus: a.bus, Cacher: a.cacher, Logger: log})

	a.service, err = newService(cfg, a.broker, log)
	if err != nil {
		return nil, err
	}
	if err := a.broker.Register(a.service); err != nil {
		return nil, err
	}
	svc := a.service
	a.health.Register(health.NewConnectionChecker("db."+svc.Name(), func() health.ConnectionStatus {
		if m := svc.Connection(); m != nil {
			return m
		}
		return nil
	}))

	a.gateway, err = gateway.New(gateway.Options{
		Caller:  a.broker,
		Health:  a.health,
		Metrics: a.metrics,
		Logger:  log,
		RateLimit: gateway.RateLimitConfig{
			RequestsPerSecond: cfg.HTTP.RateLimitRPS,
			Burst:             cfg.HTTP.RateLimitBurst,
		},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewCacheStore builds the configured cache store and returns its span system name.
func NewCacheStore(cfg config.CacheConfig) (cache.Store, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.CacheTypeMemory:
		return cache.NewInMemoryStore(), config.CacheTypeMemory, nil
	case config.CacheTypeSturdyc:
		sc := cache.DefaultSturdycConfig()
		if cfg.Capacity > 0 {
			sc.Capacity = cfg.Capacity
		}
		if cfg.Shards > 0 {
			sc.NumShards = cfg.Shards
		}
		if cfg.TTL > 0 {
			sc.TTL = cfg.TTL
		}
		s, err := cache.NewSturdycStore(sc)
		if err != nil {
			return nil, "", err
		}
		return s, config.CacheTypeSturdyc, nil
	case config.CacheTypeRedis:
		s, err := cache.NewRedisStore(cache.RedisConfig{
			URL:              cfg.RedisURL,
			MaxConns:         cfg.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
			Prefix:           cfg.Prefix,
		})
		if err != nil {
			return nil, "", err
		}
		return s, config.CacheTypeRedis, nil
	default:
		return nil, "", fmt.Errorf("unsupported cache.type %q (supported: memory, sturdyc, redis)", cfg.Type)
	}
}

func newService(cfg *config.Config, emitter service.Emitter, log logger.Logger) (*service.Service, error) {
	driver, err := store.NewDriver(cfg.DB)
	if err != nil {
		return nil, err
	}
	indexes := cfg.Settings.Indexes
	return service.New(service.Schema{
		Name:       cfg.ServiceName(),
		Collection: driver.NewCollection(cfg.Collection),
		DB:         cfg.DB,
		Dialer:     driver.Dialer,
		Settings: service.Settings{
			SearchFields:   cfg.Settings.SearchFields,
			PropertyFilter: projection.NewPropertyFilter(cfg.Settings.PropertyFilter...),
			Populates:      cfg.Settings.Populates,
		},
		AfterConnected: func(s *service.Service) {
			ensureIndexes(s, indexes)
		},
		Emitter:        emitter,
		Logger:         log,
		ReconnectDelay: cfg.Reconnect.Delay,
	})
}

func ensureIndexes(s *service.Service, indexes []config.IndexConfig) {
	if len(indexes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, idx := range indexes {
		if err := s.Collection().EnsureIndex(ctx, idx.Fields, idx.Unique); err != nil {
			s.Logger().Error("failed to create index", "fields", idx.Fields, "unique", idx.Unique, "error", err)
		}
	}
}

// Broker returns the action dispatcher.
func (a *App) Broker() *broker.Broker { return a.broker }

// Health returns the health registry.
func (a *App) Health() *health.Registry { return a.health }

// Gateway returns the REST handler.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Service returns the data-access service.
func (a *App) Service() *service.Service { return a.service }

// Start connects the service and subscribes to remote cache invalidations.
func (a *App) Start(ctx context.Context) error {
	info := version.Current(a.cfg.ServiceName())
	a.log.Info("application version metadata",
		"service", info.Service,
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
	)
	if err := a.broker.Start(ctx); err != nil {
		return err
	}
	return a.service.Start(ctx)
}

// Run starts the app and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("shutdown completed with errors", "error", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return gateway.NewServer(a.cfg.HTTP, a.gateway, a.log).Start(ctx)
}

// CleanCache removes entries matching pattern here and on every instance sharing the bus.
func (a *App) CleanCache(ctx context.Context, pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return errors.New("cache pattern is required")
	}
	return a.broker.Emit(ctx, service.EventCacheClean, pattern)
}

// WaitHealthy polls the health registry until it is healthy or ctx ends, returning the last result.
func (a *App) WaitHealthy(ctx context.Context, interval time.Duration) health.AggregatedResult {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result := a.health.Check(ctx)
		if result.IsHealthy() {
			return result
		}
		select {
		case <-ctx.Done():
			return result
		case <-ticker.C:
		}
	}
}

// Close stops every component once. It is safe on a partially built App.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.close() })
	return a.closeErr
}

func (a *App) close() error {
	if a.service != nil {
		a.service.Stop()
	}
	if a.broker != nil {
		a.broker.Stop()
	}

	var errs []error
	if a.cacher != nil {
		if err := a.cacher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	} else if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache store: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil && !errors.Is(err, eventbus.ErrClosed) {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
