package factory

import (
	"context"
	"testing"

	"github.com/nimburion/docservice/pkg/config"
	"github.com/nimburion/docservice/pkg/eventbus/kafka"
	"github.com/nimburion/docservice/pkg/eventbus/local"
	"github.com/nimburion/docservice/pkg/observability/logger"
)

func TestNewEventBusAdapter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EventBusConfig
		check   func(t *testing.T, bus interface{})
		wantErr bool
	}{
		{
			name: "empty type is local",
			cfg:  config.EventBusConfig{},
			check: func(t *testing.T, bus interface{}) {
				if _, ok := bus.(*local.Bus); !ok {
					t.Fatalf("expected *local.Bus, got %T", bus)
				}
			},
		},
		{
			name: "local",
			cfg:  config.EventBusConfig{Type: " Local "},
			check: func(t *testing.T, bus interface{}) {
				if _, ok := bus.(*local.Bus); !ok {
					t.Fatalf("expected *local.Bus, got %T", bus)
				}
			},
		},
		{
			name: "kafka",
			cfg:  config.EventBusConfig{Type: "kafka", Brokers: []string{"localhost:9092"}},
			check: func(t *testing.T, bus interface{}) {
				if _, ok := bus.(*kafka.KafkaAdapter); !ok {
					t.Fatalf("expected *kafka.KafkaAdapter, got %T", bus)
				}
			},
		},
		{name: "kafka without brokers", cfg: config.EventBusConfig{Type: "kafka"}, wantErr: true},
		{name: "rabbitmq without url", cfg: config.EventBusConfig{Type: "rabbitmq"}, wantErr: true},
		{name: "unsupported", cfg: config.EventBusConfig{Type: "sqs"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, err := NewEventBusAdapter(tt.cfg, logger.NewNopLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer bus.Close()
			tt.check(t, bus)
			if _, ok := bus.(*local.Bus); ok {
				if err := bus.HealthCheck(context.Background()); err != nil {
					t.Fatalf("HealthCheck() error = %v", err)
				}
			}
		})
	}
}
