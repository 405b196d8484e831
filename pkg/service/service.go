// Package service implements a data-access service exposing generic CRUD actions over one
// document collection, with a managed connection, a filter pipeline, result projection and
// namespace-wide cache invalidation.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/projection"
	"github.com/nimburion/docservice/pkg/repository/document"
)

var (
	// ErrMissingCollection is returned by New when the schema has no collection handle.
	ErrMissingCollection = errors.New("missing collection definition")
	// ErrInvalidParams is returned when a required action parameter is missing or has the wrong type.
	ErrInvalidParams = errors.New("invalid action parameters")
)

// Settings are the tunables of a service.
type Settings struct {
	// SearchFields is reserved for text search and currently unused.
	SearchFields []string
	// PropertyFilter is the default projection allow-list.
	PropertyFilter projection.PropertyFilter
	// Populates is reserved for related-entity population and currently unused.
	Populates map[string]interface{}
}

// Binder is implemented by collections that attach to a connection session.
type Binder interface {
	Bind(s connection.Session) error
}

// Schema configures a Service.
type Schema struct {
	// Name is the service name and cache namespace. Defaults to the collection name.
	Name       string
	Collection document.Collection
	// DB is the connection target.
	DB     connection.Target
	Dialer connection.Dialer
	// AfterConnected runs once per successful open, e.g. to create indexes.
	AfterConnected func(s *Service)
	// Populator enriches projected results. Defaults to projection.Identity.
	Populator      projection.Populator
	Settings       Settings
	Emitter        Emitter
	Logger         logger.Logger
	ReconnectDelay time.Duration
}

// Service is a data-access service over one collection.
type Service struct {
	name       string
	collection document.Collection
	schema     Schema
	populator  projection.Populator
	emitter    Emitter
	log        logger.Logger

	mu      sync.Mutex
	manager *connection.Manager
}

// New validates schema and returns a stopped Service.
func New(schema Schema) (*Service, error) {
	if schema.Collection == nil {
		return nil, ErrMissingCollection
	}
	name := schema.Name
	if name == "" {
		name = schema.Collection.Name()
	}
	log := schema.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	populator := schema.Populator
	if populator == nil {
		populator = projection.Identity
	}
	emitter := schema.Emitter
	if emitter == nil {
		emitter = discardEmitter{}
	}

	return &Service{
		name:       name,
		collection: schema.Collection,
		schema:     schema,
		populator:  populator,
		emitter:    emitter,
		log:        log.With("service", name),
	}, nil
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Collection returns the collection handle.
func (s *Service) Collection() document.Collection {
	return s.collection
}

// Settings returns the service settings.
func (s *Service) Settings() Settings {
	return s.schema.Settings
}

// Logger returns the service logger.
func (s *Service) Logger() logger.Logger {
	return s.log
}

// Start opens the connection. Connection failures are logged and handled by the
// connection manager; only misconfiguration is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.manager != nil {
		s.mu.Unlock()
		return nil
	}

	m, err := connection.NewManager(connection.Options{
		Name:           s.name,
		Target:         s.schema.DB,
		Dialer:         s.schema.Dialer,
		Logger:         s.log,
		ReconnectDelay: s.schema.ReconnectDelay,
		Hooks: connection.Hooks{
			OnSession:      s.bind,
			AfterConnected: s.afterConnected,
		},
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("service %s: %w", s.name, err)
	}
	s.manager = m
	s.mu.Unlock()

	_, _ = m.Connect(ctx)
	return nil
}

func (s *Service) bind(sess connection.Session) error {
	if b, ok := s.collection.(Binder); ok {
		return b.Bind(sess)
	}
	return nil
}

func (s *Service) afterConnected() {
	if s.schema.AfterConnected != nil {
		s.schema.AfterConnected(s)
	}
}

// Stop closes the connection in the background.
func (s *Service) Stop() {
	s.mu.Lock()
	m := s.manager
	s.manager = nil
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// Connection returns the connection manager, or nil before Start.
func (s *Service) Connection() *connection.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// HealthCheck reports whether the connection is open.
func (s *Service) HealthCheck(ctx context.Context) error {
	m := s.Connection()
	if m == nil {
		return fmt.Errorf("service %s is not started", s.name)
	}
	return m.HealthCheck(ctx)
}
