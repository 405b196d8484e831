package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nimburion/docservice/pkg/eventbus"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/tracing"
	"github.com/nimburion/docservice/pkg/service"
)

// FetchFunc computes a value on cache miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Options configures a Cacher.
type Options struct {
	// TTL of stored results. Zero keeps results until a clean pattern removes them.
	TTL time.Duration
	// System names the store in spans, e.g. "memory" or "redis".
	System string
	Logger logger.Logger
}

// Cacher caches action results in a Store and applies clean patterns.
//
// Results go through a JSON round trip on the way in, so hits and misses return the same
// shape: objects become map[string]interface{} and numbers json.Number.
//
// Every Clean starts a new epoch. A fetch started in an earlier epoch still answers its
// callers but is not stored, and callers arriving after the clean never join it.
type Cacher struct {
	store  Store
	ttl    time.Duration
	system string
	log    logger.Logger
	group  singleflight.Group
	epoch  atomic.Uint64
}

// NewCacher creates a Cacher over store.
func NewCacher(store Store, opts Options) (*Cacher, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	system := opts.System
	if system == "" {
		system = "memory"
	}
	return &Cacher{
		store:  store,
		ttl:    opts.TTL,
		system: system,
		log:    log.With("component", "cacher"),
	}, nil
}

// Store returns the backing store.
func (c *Cacher) Store() Store {
	return c.store
}

// GetOrFetch returns the cached value under key or computes it with fetch.
// Store failures degrade to a miss. Nil results and fetch errors are not cached.
func (c *Cacher) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (interface{}, error) {
	ctx, span := tracing.StartCacheSpan(ctx, tracing.SpanOperationCacheGet,
		tracing.WithCacheSystem(c.system), tracing.WithCacheKey(key))
	var err error
	defer func() { tracing.End(span, err) }()

	if value, ok := c.load(ctx, key); ok {
		incCacheResult("hit")
		return value, nil
	}

	epoch := c.epoch.Load()
	value, err, shared := c.group.Do(strconv.FormatUint(epoch, 10)+"|"+key, func() (interface{}, error) {
		incCacheResult("miss")
		return c.computeAndStore(ctx, key, epoch, fetch)
	})
	if shared && err == nil {
		incCacheResult("hit_shared")
	}
	return value, err
}

func (c *Cacher) load(ctx context.Context, key string) (interface{}, bool) {
	defer observeCacheLatency("lookup", time.Now())

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			incCacheResult("error")
			c.log.Warn("cache lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	value, err := decode(raw)
	if err != nil {
		incCacheResult("error")
		c.log.Warn("cached entry is corrupt", "key", key, "error", err)
		return nil, false
	}
	return value, true
}

func (c *Cacher) computeAndStore(ctx context.Context, key string, epoch uint64, fetch FetchFunc) (interface{}, error) {
	value, err := fetch(ctx)
	if err != nil || value == nil {
		return value, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cached result: %w", err)
	}
	if c.epoch.Load() != epoch {
		incCacheResult("discarded")
		c.log.Debug("cache cleaned during fetch, result not stored", "key", key)
		return decode(raw)
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		incCacheResult("error")
		c.log.Warn("cache store failed", "key", key, "error", err)
	}
	return decode(raw)
}

func decode(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// Clean removes every entry matching pattern.
func (c *Cacher) Clean(ctx context.Context, pattern string) (int, error) {
	ctx, span := tracing.StartCacheSpan(ctx, tracing.SpanOperationCacheClean,
		tracing.WithCacheSystem(c.system), tracing.WithCacheKey(pattern))
	defer observeCacheLatency("clean", time.Now())

	c.epoch.Add(1)
	removed, err := c.store.Clean(ctx, pattern)
	tracing.End(span, err)
	if err != nil {
		return removed, fmt.Errorf("clean cache pattern %q: %w", pattern, err)
	}
	cacheCleansTotal.Inc()
	c.log.Debug("cache cleaned", "pattern", pattern, "removed", removed)
	return removed, nil
}

// Subscribe applies every clean pattern broadcast on the bus.
func (c *Cacher) Subscribe(ctx context.Context, bus eventbus.Consumer) error {
	return bus.Subscribe(ctx, service.EventCacheClean, c.HandleClean)
}

// HandleClean applies the pattern carried by a "cache.clean" message. The payload is a JSON
// string, or the bare pattern.
func (c *Cacher) HandleClean(ctx context.Context, msg *eventbus.Message) error {
	pattern, err := patternFromPayload(msg.Value)
	if err != nil {
		c.log.Warn("ignoring malformed cache clean event", "message_id", msg.ID, "error", err)
		return nil
	}
	_, err = c.Clean(ctx, pattern)
	return err
}

func patternFromPayload(value []byte) (string, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return "", errors.New("empty pattern")
	}
	if trimmed[0] != '"' {
		return string(trimmed), nil
	}
	var pattern string
	if err := json.Unmarshal(trimmed, &pattern); err != nil {
		return "", err
	}
	if pattern == "" {
		return "", errors.New("empty pattern")
	}
	return pattern, nil
}

// Close closes the backing store.
func (c *Cacher) Close() error {
	return c.store.Close()
}
