// Package mongodb binds the connection and document packages to a MongoDB deployment.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimburion/docservice/pkg/connection"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

const (
	// DefaultDatabase is used when neither the target options nor the URI name a database.
	DefaultDatabase = "test"

	defaultConnectTimeout   = 10 * time.Second
	defaultOperationTimeout = 10 * time.Second
)

// Option keys recognized in connection.Target.Options.
const (
	OptDatabase               = "database"
	OptConnectTimeout         = "connect_timeout"
	OptServerSelectionTimeout = "server_selection_timeout"
	OptMaxPoolSize            = "max_pool_size"
	OptAppName                = "app_name"
	OptOperationTimeout       = "operation_timeout"
)

// Config holds options resolved from a connection target.
type Config struct {
	URI                    string
	Database               string
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	OperationTimeout       time.Duration
	MaxPoolSize            uint64
	AppName                string
}

// ConfigFromTarget resolves a Config from the URI and options of target.
func ConfigFromTarget(target connection.Target) (Config, error) {
	if target.IsZero() {
		return Config{}, fmt.Errorf("mongodb URI is required")
	}
	cs, err := connstring.ParseAndValidate(target.URI)
	if err != nil {
		return Config{}, fmt.Errorf("invalid mongodb URI: %w", err)
	}

	cfg := Config{
		URI:              target.URI,
		Database:         target.StringOption(OptDatabase),
		ConnectTimeout:   defaultConnectTimeout,
		OperationTimeout: defaultOperationTimeout,
		AppName:          target.StringOption(OptAppName),
	}
	if cfg.Database == "" {
		cfg.Database = cs.Database
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{OptConnectTimeout, &cfg.ConnectTimeout},
		{OptServerSelectionTimeout, &cfg.ServerSelectionTimeout},
		{OptOperationTimeout, &cfg.OperationTimeout},
	}
	for _, d := range durations {
		v, ok, err := durationOption(target.Options[d.key])
		if err != nil {
			return Config{}, fmt.Errorf("option %s: %w", d.key, err)
		}
		if ok {
			*d.dst = v
		}
	}

	if raw, ok := target.Options[OptMaxPoolSize]; ok {
		n, err := strconv.ParseUint(strings.TrimSpace(fmt.Sprint(raw)), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("option %s: %w", OptMaxPoolSize, err)
		}
		cfg.MaxPoolSize = n
	}
	return cfg, nil
}

// durationOption accepts a duration string ("5s") or a number of milliseconds.
func durationOption(v interface{}) (time.Duration, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case time.Duration:
		return t, true, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		return d, err == nil, err
	case int:
		return time.Duration(t) * time.Millisecond, true, nil
	case int64:
		return time.Duration(t) * time.Millisecond, true, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), true, nil
	default:
		return 0, false, fmt.Errorf("unsupported duration value %T", v)
	}
}

// ClientOptions builds driver options. The monitor may be nil.
func (c Config) ClientOptions(monitor *event.ServerMonitor) *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI).SetConnectTimeout(c.ConnectTimeout)
	if c.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(c.ServerSelectionTimeout)
	}
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	if c.AppName != "" {
		opts.SetAppName(c.AppName)
	}
	if monitor != nil {
		opts.SetServerMonitor(monitor)
	}
	return opts
}

// Dialer opens MongoDB sessions.
type Dialer struct{}

var (
	_ connection.Dialer            = Dialer{}
	_ connection.TimeoutClassifier = Dialer{}
)

// NewDialer returns a MongoDB dialer.
func NewDialer() Dialer {
	return Dialer{}
}

// Dial creates a client for target. The server is not contacted until the session is started.
func (Dialer) Dial(ctx context.Context, target connection.Target) (connection.Session, error) {
	cfg, err := ConfigFromTarget(target)
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg}
	client, err := mongo.Connect(ctx, cfg.ClientOptions(s.monitor()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	s.client = client
	return s, nil
}

// IsTimeout classifies driver timeouts, including server selection timeouts, as timeout-class errors.
func (Dialer) IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsTimeout(err) {
		return true
	}
	return errors.Is(err, topology.ErrServerSelectionTimeout)
}

// Session is one MongoDB client.
type Session struct {
	cfg      Config
	client   *mongo.Client
	observer atomic.Pointer[connection.Observer]
	open     atomic.Bool
	healthy  atomic.Bool
	closed   atomic.Bool
	timedOut atomic.Bool
}

var _ connection.Session = (*Session)(nil)

// monitor forwards topology heartbeats. It only reports after the session has opened.
func (s *Session) monitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatFailed: func(*event.ServerHeartbeatFailedEvent) {
			if !s.open.Load() || s.closed.Load() {
				return
			}
			if s.healthy.CompareAndSwap(true, false) {
				if o := s.observer.Load(); o != nil && o.OnDisconnected != nil {
					o.OnDisconnected()
				}
			}
		},
		ServerHeartbeatSucceeded: func(*event.ServerHeartbeatSucceededEvent) {
			if s.open.Load() {
				s.healthy.Store(true)
			}
		},
	}
}

// Start pings the primary in the background and reports open or error to o.
func (s *Session) Start(o connection.Observer) {
	s.observer.Store(&o)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
			if !s.closed.Load() && o.OnError != nil {
				o.OnError(err)
			}
			return
		}
		s.healthy.Store(true)
		s.open.Store(true)
		if !s.closed.Load() && o.OnOpen != nil {
			o.OnOpen()
		}
	}()
}

// reportTimeout forwards an operation timeout to the error observer. Only the first timeout of
// an open session is reported; the manager replaces the session in response.
func (s *Session) reportTimeout(err error) {
	if !(Dialer{}).IsTimeout(err) {
		return
	}
	if !s.open.Load() || s.closed.Load() {
		return
	}
	if !s.timedOut.CompareAndSwap(false, true) {
		return
	}
	if o := s.observer.Load(); o != nil && o.OnError != nil {
		o.OnError(err)
	}
}

// Close disconnects the client. Calling it more than once is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

// Client returns the driver client.
func (s *Session) Client() *mongo.Client {
	return s.client
}

// Database returns the configured database handle.
func (s *Session) Database() *mongo.Database {
	return s.client.Database(s.cfg.Database)
}

// Ping checks the primary without affecting session state.
func (s *Session) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("mongodb session is closed")
	}
	return s.client.Ping(ctx, readpref.Primary())
}
