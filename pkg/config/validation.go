package config

import (
	"fmt"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/observability/logger"
)

// Validate checks if the configuration is valid. An empty db is accepted: the connection
// manager reports the failure at start.
func (c *Config) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.ServiceName() == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect.delay must be greater than zero")
	}

	if c.Cache.Enabled {
		switch c.Cache.Type {
		case CacheTypeMemory, CacheTypeSturdyc:
		case CacheTypeRedis:
			if c.Cache.RedisURL == "" {
				return fmt.Errorf("cache.redis_url is required when cache.type is redis")
			}
		default:
			return fmt.Errorf("unsupported cache.type %q (supported: memory, sturdyc, redis)", c.Cache.Type)
		}
		if c.Cache.TTL < 0 {
			return fmt.Errorf("cache.ttl cannot be negative")
		}
	}

	switch c.EventBus.Type {
	case EventBusTypeLocal:
	case EventBusTypeKafka:
		if len(c.EventBus.Brokers) == 0 {
			return fmt.Errorf("eventbus.brokers is required for Kafka")
		}
	case EventBusTypeRabbitMQ:
		if c.EventBus.URL == "" {
			return fmt.Errorf("eventbus.url is required for RabbitMQ")
		}
	default:
		return fmt.Errorf("unsupported eventbus.type %q (supported: local, kafka, rabbitmq)", c.EventBus.Type)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return fmt.Errorf("http rate limits cannot be negative")
	}
	if _, err := logger.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability.log_level: %w", err)
	}
	if _, err := logger.ParseLogFormat(c.Observability.LogFormat); err != nil {
		return fmt.Errorf("observability.log_format: %w", err)
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1")
	}
	return nil
}

// Redacted returns a copy safe for display, with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.DB.URI = c.DB.Redacted()
	out.Cache.RedisURL = redactURL(c.Cache.RedisURL)
	out.EventBus.URL = redactURL(c.EventBus.URL)
	return &out
}

func redactURL(raw string) string {
	return connection.Target{URI: raw}.Redacted()
}
