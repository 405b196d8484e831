package health

import (
	"context"
	"time"

	"github.com/nimburion/docservice/pkg/connection"
)

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckableFunc adapts a ping-style function to Checkable.
type CheckableFunc func(ctx context.Context) error

// HealthCheck implements Checkable.
func (f CheckableFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// AdapterChecker checks any Checkable under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter. A zero timeout means 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// NewCacheChecker creates a health checker for a cache store.
func NewCacheChecker(name string, cache Checkable) *AdapterChecker {
	return NewAdapterChecker(name, cache, 3*time.Second)
}

// NewMessageBrokerChecker creates a health checker for the event bus.
func NewMessageBrokerChecker(name string, broker Checkable) *AdapterChecker {
	return NewAdapterChecker(name, broker, 5*time.Second)
}

// ConnectionStatus is the read side of a connection manager.
type ConnectionStatus interface {
	State() connection.State
	LastError() error
	Target() connection.Target
}

// ConnectionChecker reports the state of a managed storage connection. An open connection is
// healthy, one that is being established is degraded, anything else is unhealthy.
type ConnectionChecker struct {
	name string
	conn func() ConnectionStatus
}

// NewConnectionChecker checks the connection returned by conn at check time, so services
// may be registered before they are started. conn may return nil.
func NewConnectionChecker(name string, conn func() ConnectionStatus) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

// Check implements Checker.
func (c *ConnectionChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now()}
	conn := c.conn()
	if conn == nil {
		result.Status = StatusUnhealthy
		result.Error = "not started"
		return result
	}

	state := conn.State()
	result.Metadata = map[string]interface{}{
		"state":  state.String(),
		"target": conn.Target().Redacted(),
	}
	switch state {
	case connection.StateOpen:
		result.Status = StatusHealthy
		result.Message = "OK"
	case connection.StateConnecting, connection.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = "connection is " + state.String()
	default:
		result.Status = StatusUnhealthy
		result.Error = "connection is " + state.String()
	}
	if err := conn.LastError(); err != nil && result.Status != StatusHealthy {
		result.Error = err.Error()
	}
	return result
}

// Name implements Checker.
func (c *ConnectionChecker) Name() string {
	return c.name
}
