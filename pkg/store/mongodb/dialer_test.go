package mongodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nimburion/docservice/pkg/connection"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
	"go.opentelemetry.io/otel/trace"
)

func TestConfigFromTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  connection.Target
		want    Config
		wantErr bool
	}{
		{name: "empty", target: connection.Target{}, wantErr: true},
		{name: "bad scheme", target: connection.Target{URI: "postgres://localhost"}, wantErr: true},
		{
			name:   "database from uri path",
			target: connection.Target{URI: "mongodb://localhost:27017/blog"},
			want:   Config{Database: "blog", ConnectTimeout: defaultConnectTimeout, OperationTimeout: defaultOperationTimeout},
		},
		{
			name:   "default database",
			target: connection.Target{URI: "mongodb://localhost:27017"},
			want:   Config{Database: DefaultDatabase, ConnectTimeout: defaultConnectTimeout, OperationTimeout: defaultOperationTimeout},
		},
		{
			name: "options override",
			target: connection.Target{
				URI: "mongodb://localhost:27017/blog",
				Options: map[string]interface{}{
					OptDatabase:               "other",
					OptConnectTimeout:         "2s",
					OptServerSelectionTimeout: 1500,
					OptOperationTimeout:       "750ms",
					OptMaxPoolSize:            20,
					OptAppName:                "posts",
				},
			},
			want: Config{
				Database:               "other",
				ConnectTimeout:         2 * time.Second,
				ServerSelectionTimeout: 1500 * time.Millisecond,
				OperationTimeout:       750 * time.Millisecond,
				MaxPoolSize:            20,
				AppName:                "posts",
			},
		},
		{
			name: "bad duration",
			target: connection.Target{
				URI:     "mongodb://localhost:27017",
				Options: map[string]interface{}{OptConnectTimeout: "soon"},
			},
			wantErr: true,
		},
		{
			name: "bad pool size",
			target: connection.Target{
				URI:     "mongodb://localhost:27017",
				Options: map[string]interface{}{OptMaxPoolSize: "many"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfigFromTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConfigFromTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			tt.want.URI = tt.target.URI
			if got != tt.want {
				t.Fatalf("ConfigFromTarget() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConfig_ClientOptions(t *testing.T) {
	cfg := Config{
		URI:                    "mongodb://localhost:27017",
		ConnectTimeout:         time.Second,
		ServerSelectionTimeout: 2 * time.Second,
		MaxPoolSize:            5,
		AppName:                "posts",
	}
	opts := cfg.ClientOptions(nil)
	if opts.ConnectTimeout == nil || *opts.ConnectTimeout != time.Second {
		t.Fatalf("ConnectTimeout = %v", opts.ConnectTimeout)
	}
	if opts.ServerSelectionTimeout == nil || *opts.ServerSelectionTimeout != 2*time.Second {
		t.Fatalf("ServerSelectionTimeout = %v", opts.ServerSelectionTimeout)
	}
	if opts.MaxPoolSize == nil || *opts.MaxPoolSize != 5 {
		t.Fatalf("MaxPoolSize = %v", opts.MaxPoolSize)
	}
	if opts.AppName == nil || *opts.AppName != "posts" {
		t.Fatalf("AppName = %v", opts.AppName)
	}
	if opts.ServerMonitor != nil {
		t.Fatal("expected no server monitor")
	}
}

func TestDialer_IsTimeout(t *testing.T) {
	d := NewDialer()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"server selection", fmt.Errorf("ping: %w", topology.ErrServerSelectionTimeout), true},
		{"other", errors.New("auth failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsTimeout(tt.err); got != tt.want {
				t.Fatalf("IsTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialer_InvalidTarget(t *testing.T) {
	if _, err := NewDialer().Dial(context.Background(), connection.Target{URI: "memory://x"}); err == nil {
		t.Fatal("expected error for non-mongodb target")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	s := &Session{}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail on closed session")
	}
}

func TestSession_MonitorReportsDisconnectOnceAfterOpen(t *testing.T) {
	s := &Session{}
	disconnects := 0
	o := connection.Observer{OnDisconnected: func() { disconnects++ }}
	s.observer.Store(&o)
	m := s.monitor()

	m.ServerHeartbeatFailed(nil)
	if disconnects != 0 {
		t.Fatal("heartbeat failure before open must not report")
	}

	s.open.Store(true)
	s.healthy.Store(true)
	m.ServerHeartbeatFailed(nil)
	m.ServerHeartbeatFailed(nil)
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}

	m.ServerHeartbeatSucceeded(nil)
	m.ServerHeartbeatFailed(nil)
	if disconnects != 2 {
		t.Fatalf("disconnects after recovery = %d, want 2", disconnects)
	}
}

func TestSession_ReportsFirstOperationTimeoutAfterOpen(t *testing.T) {
	s := &Session{}
	var reported []error
	o := connection.Observer{OnError: func(err error) { reported = append(reported, err) }}
	s.observer.Store(&o)

	s.reportTimeout(context.DeadlineExceeded)
	if len(reported) != 0 {
		t.Fatal("timeout before open must not report")
	}

	s.open.Store(true)
	s.reportTimeout(errors.New("duplicate key"))
	if len(reported) != 0 {
		t.Fatal("non-timeout errors must not report")
	}

	s.reportTimeout(fmt.Errorf("find: %w", context.DeadlineExceeded))
	s.reportTimeout(context.DeadlineExceeded)
	if len(reported) != 1 {
		t.Fatalf("reported = %d, want 1", len(reported))
	}
	if !errors.Is(reported[0], context.DeadlineExceeded) {
		t.Fatalf("reported %v", reported[0])
	}
}

func TestBinding_EndForwardsTimeoutsToSession(t *testing.T) {
	s := &Session{}
	calls := 0
	o := connection.Observer{OnError: func(error) { calls++ }}
	s.observer.Store(&o)
	s.open.Store(true)

	b := &binding{session: s}
	span := trace.SpanFromContext(context.Background())
	b.end(span, nil)
	b.end(span, errors.New("write conflict"))
	if calls != 0 {
		t.Fatalf("calls = %d before any timeout", calls)
	}
	b.end(span, context.DeadlineExceeded)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	closed := &Session{}
	closed.observer.Store(&o)
	closed.open.Store(true)
	_ = closed.Close(context.Background())
	(&binding{session: closed}).end(span, context.DeadlineExceeded)
	if calls != 1 {
		t.Fatal("closed session must not report")
	}
}
