package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimburion/docservice/pkg/observability/logger"
)

// DefaultReconnectDelay is the fixed delay between a timeout-class error and the reconnect attempt.
const DefaultReconnectDelay = time.Second

// ErrSuperseded is returned by Connect when a newer connect attempt replaced this one while dialing.
var ErrSuperseded = errors.New("connect attempt superseded by a newer one")

// Hooks are extension points invoked by the Manager.
type Hooks struct {
	// OnSession runs for every new session before it starts delivering events.
	OnSession func(s Session) error
	// AfterConnected runs once per successful open.
	AfterConnected func()
}

// Options configures a Manager.
type Options struct {
	// Name identifies the owning service in logs and metrics.
	Name           string
	Target         Target
	Dialer         Dialer
	Logger         logger.Logger
	ReconnectDelay time.Duration
	Hooks          Hooks
}

// Manager owns the single connection of a service.
//
// The current connection is an immutable cell swapped atomically, so readers never
// observe a half-updated handle. Events from a session that has since been replaced are ignored.
type Manager struct {
	name     string
	target   Target
	dialer   Dialer
	log      logger.Logger
	delay    time.Duration
	hooks    Hooks
	schedule func(d time.Duration, f func())

	current    atomic.Pointer[cell]
	generation atomic.Uint64
	stopped    atomic.Bool
}

// NewManager creates a Manager in the disconnected state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("connection dialer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	m := &Manager{
		name:   opts.Name,
		target: opts.Target,
		dialer: opts.Dialer,
		log:    opts.Logger.With("component", "connection"),
		delay:  opts.ReconnectDelay,
		hooks:  opts.Hooks,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	m.current.Store(&cell{state: StateDisconnected})
	observeState(m.name, StateDisconnected)
	return m, nil
}

// Connect opens a new session and makes it the current one, replacing any previous session.
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	return m.connect(ctx, StateConnecting)
}

func (m *Manager) connect(ctx context.Context, initial State) (Session, error) {
	gen := m.generation.Add(1)
	m.update(func(c cell) (cell, bool) {
		c.generation = gen
		c.state = initial
		return c, true
	})

	m.log.Debug("connecting to database", "uri", m.target.Redacted())

	sess, err := m.dialer.Dial(ctx, m.target)
	if err != nil {
		m.handleError(gen, err)
		return nil, err
	}

	var replaced Session
	ok := m.update(func(c cell) (cell, bool) {
		if c.generation != gen {
			return c, false
		}
		replaced = c.session
		return cell{generation: gen, session: sess, state: c.state}, true
	})
	if !ok {
		go m.closeSession(sess)
		return nil, ErrSuperseded
	}
	if replaced != nil {
		go m.closeSession(replaced)
	}

	if m.hooks.OnSession != nil {
		if err := m.hooks.OnSession(sess); err != nil {
			m.log.Error("failed to bind session", "error", err)
		}
	}

	var openOnce sync.Once
	sess.Start(Observer{
		OnOpen: func() {
			openOnce.Do(func() { m.handleOpen(gen) })
		},
		OnError: func(err error) {
			m.handleError(gen, err)
		},
		OnDisconnected: func() {
			m.handleDisconnected(gen)
		},
	})

	return sess, nil
}

func (m *Manager) handleError(gen uint64, err error) {
	timeout := m.isTimeout(err)
	next := StateError
	if timeout && !m.stopped.Load() {
		next = StateReconnecting
	}

	if !m.update(func(c cell) (cell, bool) {
		if c.generation != gen {
			return c, false
		}
		c.state = next
		c.lastErr = err
		return c, true
	}) {
		return
	}

	if !timeout {
		m.log.Error("could not connect to database", "uri", m.target.Redacted())
		m.log.Error("database connection error", "error", err)
		return
	}

	m.log.Warn("database connection timeout", "uri", m.target.Redacted(), "error", err)
	if m.stopped.Load() {
		return
	}
	reconnectAttempts.WithLabelValues(m.name).Inc()
	m.schedule(m.delay, func() {
		if m.stopped.Load() {
			return
		}
		_, _ = m.connect(context.Background(), StateReconnecting)
	})
}

func (m *Manager) handleOpen(gen uint64) {
	if !m.update(func(c cell) (cell, bool) {
		if c.generation != gen {
			return c, false
		}
		c.state = StateOpen
		c.lastErr = nil
		return c, true
	}) {
		return
	}

	m.log.Info("connected to database", "uri", m.target.Redacted())
	if m.hooks.AfterConnected != nil {
		m.hooks.AfterConnected()
	}
}

func (m *Manager) handleDisconnected(gen uint64) {
	if !m.update(func(c cell) (cell, bool) {
		if c.generation != gen {
			return c, false
		}
		c.state = StateDisconnected
		return c, true
	}) {
		return
	}
	m.log.Warn("disconnected from database", "uri", m.target.Redacted())
}

// Stop detaches and closes the current session in the background. It does not block.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	gen := m.generation.Add(1)

	var sess Session
	m.update(func(c cell) (cell, bool) {
		sess = c.session
		return cell{generation: gen, state: StateDisconnected}, true
	})
	if sess != nil {
		go m.closeSession(sess)
	}
}

func (m *Manager) closeSession(s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		m.log.Warn("failed to close database session", "error", err)
	}
}

// update applies fn to the current cell and installs the result with compare-and-swap.
// It returns false when fn declines the change.
func (m *Manager) update(fn func(c cell) (cell, bool)) bool {
	for {
		old := m.current.Load()
		next, ok := fn(*old)
		if !ok {
			return false
		}
		if m.current.CompareAndSwap(old, &next) {
			if old.state != next.state {
				observeState(m.name, next.state)
			}
			return true
		}
	}
}

func (m *Manager) isTimeout(err error) bool {
	if c, ok := m.dialer.(TimeoutClassifier); ok && c.IsTimeout(err) {
		return true
	}
	return IsTimeout(err)
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.current.Load().state
}

// Session returns the current session, or nil when none has been established.
func (m *Manager) Session() Session {
	return m.current.Load().session
}

// LastError returns the error that moved the connection into the error or reconnecting state.
func (m *Manager) LastError() error {
	return m.current.Load().lastErr
}

// Target returns the configured connection target.
func (m *Manager) Target() Target {
	return m.target
}

// HealthCheck fails unless the connection is open.
func (m *Manager) HealthCheck(context.Context) error {
	c := m.current.Load()
	if c.state == StateOpen {
		return nil
	}
	if c.lastErr != nil {
		return fmt.Errorf("database connection is %s: %w", c.state, c.lastErr)
	}
	return fmt.Errorf("database connection is %s", c.state)
}
