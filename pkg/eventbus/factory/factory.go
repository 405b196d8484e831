// Package factory builds the configured event bus adapter.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/docservice/pkg/config"
	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/eventbus/kafka"
	"github.com/nimburion/docservice/pkg/eventbus/local"
	"github.com/nimburion/docservice/pkg/eventbus/rabbitmq"
	"github.com/nimburion/docservice/pkg/observability/logger"
)

// NewEventBusAdapter selects and initializes the event bus adapter named by cfg.Type.
// An empty type selects the in-process bus.
func NewEventBusAdapter(cfg config.EventBusConfig, log logger.Logger) (eventbus.EventBus, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.EventBusTypeLocal:
		return local.NewBus(log), nil
	case config.EventBusTypeKafka:
		return kafka.NewKafkaAdapter(kafka.Config{
			Brokers:          cfg.Brokers,
			OperationTimeout: cfg.OperationTimeout,
			GroupID:          cfg.GroupID,
		}, log)
	case config.EventBusTypeRabbitMQ:
		url := cfg.URL
		if url == "" && len(cfg.Brokers) > 0 {
			url = cfg.Brokers[0]
		}
		return rabbitmq.NewRabbitMQAdapter(rabbitmq.Config{
			URL:              url,
			Exchange:         cfg.Exchange,
			ExchangeType:     cfg.ExchangeType,
			QueueName:        cfg.QueueName,
			OperationTimeout: cfg.OperationTimeout,
			ConsumerTag:      cfg.ConsumerTag,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported eventbus.type %q (supported: local, kafka, rabbitmq)", cfg.Type)
	}
}
