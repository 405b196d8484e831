// Package memory provides an in-process document store bound through the connection package.
// Targets use the "memory://<name>" scheme; data lives as long as the Dialer.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimburion/docservice/pkg/connection"
)

// Scheme is the target URI scheme served by this package.
const Scheme = "memory"

// Dialer opens sessions onto named in-process databases.
// Sessions dialed for the same URI share one database, so data survives reconnects.
type Dialer struct {
	mu       sync.Mutex
	dbs      map[string]*Database
	failNext []error
}

// NewDialer creates a Dialer with no databases.
func NewDialer() *Dialer {
	return &Dialer{dbs: make(map[string]*Database)}
}

// FailNext makes the next Dial calls fail with the given errors, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = append(d.failNext, errs...)
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(_ context.Context, target connection.Target) (connection.Session, error) {
	if scheme := target.Scheme(); scheme != Scheme {
		return nil, fmt.Errorf("memory dialer cannot serve scheme %q", scheme)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		return nil, err
	}

	db, ok := d.dbs[target.URI]
	if !ok {
		db = newDatabase()
		d.dbs[target.URI] = db
	}
	return &Session{db: db}, nil
}

// Session is a handle onto one in-process database.
type Session struct {
	db       *Database
	closed   atomic.Bool
	observer atomic.Pointer[connection.Observer]
}

// Start reports the session open immediately.
func (s *Session) Start(o connection.Observer) {
	s.observer.Store(&o)
	if s.closed.Load() {
		return
	}
	if o.OnOpen != nil {
		o.OnOpen()
	}
}

// Fail delivers err to the session observer, simulating a driver-side connection error.
func (s *Session) Fail(err error) {
	if o := s.observer.Load(); o != nil && o.OnError != nil {
		o.OnError(err)
	}
}

// Close marks the session closed. Further collection operations fail with document.ErrNotConnected.
func (s *Session) Close(context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		if o := s.observer.Load(); o != nil && o.OnDisconnected != nil {
			o.OnDisconnected()
		}
	}
	return nil
}

// Database returns the database this session is bound to.
func (s *Session) Database() *Database {
	return s.db
}
