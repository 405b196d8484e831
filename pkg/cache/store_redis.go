package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/docservice/pkg/resilience"
)

const redisScanCount = 200

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig configures a Redis cache backend.
type RedisConfig struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	Prefix           string
	// Breaker guards every round trip. A default breaker is created when nil.
	Breaker *resilience.CircuitBreaker
}

// RedisStore persists cache entries in Redis.
type RedisStore struct {
	client    redisClient
	opTimeout time.Duration
	prefix    string
	breaker   *resilience.CircuitBreaker
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis cache url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	return newRedisStore(redis.NewClient(opts), cfg), nil
}

func newRedisStore(client redisClient, cfg RedisConfig) *RedisStore {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "docservice-cache"
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "redis-cache"})
	}
	return &RedisStore{
		client:    client,
		opTimeout: timeout,
		prefix:    prefix,
		breaker:   breaker,
	}
}

// Get loads an entry from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var raw string
	miss := false
	err := s.breaker.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		var err error
		raw, err = s.client.Get(opCtx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrCacheMiss
	}
	return []byte(raw), nil
}

// Set stores an entry with TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.breaker.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return s.client.Set(opCtx, s.key(key), value, ttl).Err()
	})
}

// Clean walks the keyspace with SCAN and deletes every key matching pattern.
func (s *RedisStore) Clean(ctx context.Context, pattern string) (int, error) {
	match := escapeRedisGlob(s.prefix+":") + escapeRedisGlob(pattern, '*')
	removed := 0
	var cursor uint64
	for {
		var keys []string
		err := s.breaker.Execute(func() error {
			opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			defer cancel()
			var err error
			keys, cursor, err = s.client.Scan(opCtx, cursor, match, redisScanCount).Result()
			if err != nil || len(keys) == 0 {
				return err
			}
			n, err := s.client.Del(opCtx, keys...).Result()
			removed += int(n)
			return err
		})
		if err != nil {
			return removed, err
		}
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

// Close closes Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// escapeRedisGlob escapes the Redis MATCH metacharacters in s, except those listed in keep.
func escapeRedisGlob(s string, keep ...byte) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '*', '?', '[', ']', '\\':
			if !containsByte(keep, c) {
				b.WriteByte('\\')
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func containsByte(set []byte, c byte) bool {
	for _, x := range set {
		if x == c {
			return true
		}
	}
	return false
}
