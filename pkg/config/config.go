// Package config loads docservice configuration from defaults, a config file and
// environment variables.
package config

import (
	"time"

	"github.com/nimburion/docservice/pkg/connection"
)

// Cache type constants
const (
	CacheTypeMemory  = "memory"
	CacheTypeSturdyc = "sturdyc"
	CacheTypeRedis   = "redis"
)

// Event bus type constants
const (
	// EventBusTypeLocal delivers events inside the process
	EventBusTypeLocal = "local"
	// EventBusTypeKafka represents Apache Kafka event bus
	EventBusTypeKafka = "kafka"
	// EventBusTypeRabbitMQ represents RabbitMQ event bus
	EventBusTypeRabbitMQ = "rabbitmq"
)

// Config is the root configuration structure of a docservice process.
type Config struct {
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	// DB is a bare URI or {uri, opts}.
	DB            connection.Target   `mapstructure:"db" yaml:"db"`
	Collection    string              `mapstructure:"collection" yaml:"collection"`
	Settings      SettingsConfig      `mapstructure:"settings" yaml:"settings"`
	Reconnect     ReconnectConfig     `mapstructure:"reconnect" yaml:"reconnect"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	EventBus      EventBusConfig      `mapstructure:"eventbus" yaml:"eventbus"`
	HTTP          HTTPConfig          `mapstructure:"http" yaml:"http"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	// Name is the service name and cache namespace. Defaults to the collection name.
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SettingsConfig holds the service tunables.
type SettingsConfig struct {
	SearchFields []string `mapstructure:"search_fields" yaml:"search_fields"`
	// PropertyFilter accepts a space separated string or a list.
	PropertyFilter []string               `mapstructure:"property_filter" yaml:"property_filter"`
	Populates      map[string]interface{} `mapstructure:"populates" yaml:"populates,omitempty"`
	// Indexes are created after every successful connect.
	Indexes []IndexConfig `mapstructure:"indexes" yaml:"indexes,omitempty"`
}

// IndexConfig describes one collection index. Fields is space separated, "-" prefixed for descending.
type IndexConfig struct {
	Fields string `mapstructure:"fields" yaml:"fields"`
	Unique bool   `mapstructure:"unique" yaml:"unique"`
}

// ReconnectConfig configures the connection manager.
type ReconnectConfig struct {
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
}

// CacheConfig configures the action result cache.
type CacheConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Type             string        `mapstructure:"type" yaml:"type"` // memory, sturdyc, redis
	TTL              time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Capacity         int           `mapstructure:"capacity" yaml:"capacity"`
	Shards           int           `mapstructure:"shards" yaml:"shards"`
	RedisURL         string        `mapstructure:"redis_url" yaml:"redis_url"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// EventBusConfig configures the bus carrying cache invalidations.
type EventBusConfig struct {
	Type             string        `mapstructure:"type" yaml:"type"` // local, kafka, rabbitmq
	Brokers          []string      `mapstructure:"brokers" yaml:"brokers"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	GroupID          string        `mapstructure:"group_id" yaml:"group_id"`
	URL              string        `mapstructure:"url" yaml:"url"`
	Exchange         string        `mapstructure:"exchange" yaml:"exchange"`
	ExchangeType     string        `mapstructure:"exchange_type" yaml:"exchange_type"`
	QueueName        string        `mapstructure:"queue_name" yaml:"queue_name"`
	ConsumerTag      string        `mapstructure:"consumer_tag" yaml:"consumer_tag"`
}

// HTTPConfig configures the REST gateway.
type HTTPConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimitRPS limits /api requests per client IP. Zero disables limiting.
	RateLimitRPS   int `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
}

// DefaultConfig returns the configuration used when nothing overrides a key.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Environment: "development",
		},
		Reconnect: ReconnectConfig{
			Delay: time.Second,
		},
		Cache: CacheConfig{
			Enabled:          true,
			Type:             CacheTypeMemory,
			TTL:              5 * time.Minute,
			Capacity:         10000,
			Shards:           64,
			Prefix:           "docservice-cache",
			OperationTimeout: 5 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:             EventBusTypeLocal,
			OperationTimeout: 30 * time.Second,
			ExchangeType:     "topic",
		},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
	}
}

// ServiceName returns the configured service name, falling back to the collection.
func (c *Config) ServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return c.Collection
}
