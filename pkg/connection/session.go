// Package connection owns the lifecycle of the single storage connection used by a service:
// connect, failure detection, fixed-delay reconnect on timeouts, and state reporting.
package connection

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Observer receives the events of one Session.
// Any callback may be nil.
type Observer struct {
	OnOpen         func()
	OnError        func(err error)
	OnDisconnected func()
}

// Session is one (possibly not yet live) link to the storage backend.
type Session interface {
	// Start begins delivering events to o. It is called once, right after Dial.
	Start(o Observer)

	// Close releases the session.
	Close(ctx context.Context) error
}

// Dialer opens sessions for a Target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// TimeoutClassifier is optionally implemented by dialers that know driver-specific timeout errors.
type TimeoutClassifier interface {
	IsTimeout(err error) bool
}

// IsTimeout reports whether err is a timeout-class connection error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
