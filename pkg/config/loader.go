package config

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nimburion/docservice/pkg/connection"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"db":         "db",
	"collection": "collection",
	"name":       "service.name",
	"port":       "http.port",
	"log-level":  "observability.log_level",
	"cache-type": "cache.type",
	"bus-type":   "eventbus.type",
}

// RegisterFlags defines the override flags read by WithFlags.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("db", "", "connection URI, e.g. mongodb://localhost/app or memory://local")
	fs.String("collection", "", "collection served by the service")
	fs.String("name", "", "service name and cache namespace (defaults to the collection)")
	fs.Int("port", 0, "HTTP port")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("cache-type", "", "cache store: memory, sturdyc, redis")
	fs.String("bus-type", "", "event bus: local, kafka, rabbitmq")
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags makes changed flags of the set override every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// ConfigFile returns the path of the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	l.applyFlags(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		targetHook,
		mapstructure.StringToTimeDurationHookFunc(),
		stringToListHook,
	)
}

var targetType = reflect.TypeOf(connection.Target{})

// targetHook decodes the bare string and {uri, opts} forms of a connection target.
func targetHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != targetType || from == targetType {
		return data, nil
	}
	return connection.ParseTarget(data)
}

// stringToListHook splits a string on commas and whitespace when a list is expected, so env
// values like "a:9092,b:9092" and "title content" both decode.
func stringToListHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	return strings.FieldsFunc(data.(string), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	}), nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bind := func(key string, envs ...string) {
		names := make([]string, 0, len(envs)+1)
		names = append(names, key)
		for _, e := range envs {
			names = append(names, l.prefixedEnv(e))
		}
		_ = v.BindEnv(names...)
	}

	bind("service.name", "SERVICE_NAME")
	bind("service.environment", "SERVICE_ENVIRONMENT", "ENVIRONMENT")

	bind("db", "DB")
	bind("collection", "COLLECTION")
	bind("settings.search_fields", "SETTINGS_SEARCH_FIELDS")
	bind("settings.property_filter", "SETTINGS_PROPERTY_FILTER")
	bind("reconnect.delay", "RECONNECT_DELAY")

	bind("cache.enabled", "CACHE_ENABLED")
	bind("cache.type", "CACHE_TYPE")
	bind("cache.ttl", "CACHE_TTL")
	bind("cache.capacity", "CACHE_CAPACITY")
	bind("cache.shards", "CACHE_SHARDS")
	bind("cache.redis_url", "CACHE_REDIS_URL", "REDIS_URL")
	bind("cache.prefix", "CACHE_PREFIX")
	bind("cache.max_conns", "CACHE_MAX_CONNS")
	bind("cache.operation_timeout", "CACHE_OPERATION_TIMEOUT")

	bind("eventbus.type", "EVENTBUS_TYPE")
	bind("eventbus.brokers", "EVENTBUS_BROKERS")
	bind("eventbus.operation_timeout", "EVENTBUS_OPERATION_TIMEOUT")
	bind("eventbus.group_id", "EVENTBUS_GROUP_ID")
	bind("eventbus.url", "EVENTBUS_URL")
	bind("eventbus.exchange", "EVENTBUS_EXCHANGE")
	bind("eventbus.exchange_type", "EVENTBUS_EXCHANGE_TYPE")
	bind("eventbus.queue_name", "EVENTBUS_QUEUE_NAME")
	bind("eventbus.consumer_tag", "EVENTBUS_CONSUMER_TAG")

	bind("http.port", "HTTP_PORT", "PORT")
	bind("http.read_timeout", "HTTP_READ_TIMEOUT")
	bind("http.write_timeout", "HTTP_WRITE_TIMEOUT")
	bind("http.shutdown_timeout", "HTTP_SHUTDOWN_TIMEOUT")
	bind("http.rate_limit_rps", "HTTP_RATE_LIMIT_RPS")
	bind("http.rate_limit_burst", "HTTP_RATE_LIMIT_BURST")

	bind("observability.log_level", "LOG_LEVEL", "OBSERVABILITY_LOG_LEVEL")
	bind("observability.log_format", "LOG_FORMAT", "OBSERVABILITY_LOG_FORMAT")
	bind("observability.tracing_enabled", "TRACING_ENABLED")
	bind("observability.tracing_sample_rate", "TRACING_SAMPLE_RATE")
	bind("observability.tracing_endpoint", "TRACING_ENDPOINT")
}

func (l *ViperLoader) applyFlags(v *viper.Viper) {
	if l.flags == nil {
		return
	}
	l.flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)
	v.SetDefault("collection", cfg.Collection)
	v.SetDefault("reconnect.delay", cfg.Reconnect.Delay)

	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.capacity", cfg.Cache.Capacity)
	v.SetDefault("cache.shards", cfg.Cache.Shards)
	v.SetDefault("cache.prefix", cfg.Cache.Prefix)
	v.SetDefault("cache.operation_timeout", cfg.Cache.OperationTimeout)

	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.operation_timeout", cfg.EventBus.OperationTimeout)
	v.SetDefault("eventbus.exchange_type", cfg.EventBus.ExchangeType)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.rate_limit_rps", cfg.HTTP.RateLimitRPS)
	v.SetDefault("http.rate_limit_burst", cfg.HTTP.RateLimitBurst)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}
