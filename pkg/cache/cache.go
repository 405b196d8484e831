// Package cache implements the host-side result cache for cacheable service actions.
//
// Entries are keyed by service, action and the action's cache-relevant parameters, and are
// discarded in bulk by glob patterns such as "posts.*" received on the "cache.clean" event.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCacheMiss indicates that a cache key was not found.
	ErrCacheMiss = errors.New("cache key not found")
)

// Store defines a pluggable backend for cached action results.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Clean removes every key matching the glob pattern and reports how many were removed.
	Clean(ctx context.Context, pattern string) (int, error)
	Close() error
}

// Key builds the cache key of an action call: "<service>.<action>:<v1>|<v2>|...".
// Values are taken from params in the order of keys and JSON-encoded, so the string "2" and the
// number 2 get distinct segments; a missing parameter leaves an empty segment.
func Key(service, action string, keys []string, params map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(service)
	b.WriteByte('.')
	b.WriteString(action)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(keySegment(params[k]))
	}
	return b.String()
}

// keySegment encodes v as a self-delimiting JSON value. '|' never appears outside a quoted string.
func keySegment(v interface{}) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T(%v)", v, v)
	}
	return string(raw)
}

// Match reports whether key matches the glob pattern. '*' matches any run of characters,
// including none; every other character matches itself.
func Match(pattern, key string) bool {
	p, k := 0, 0
	star, mark := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, k
			p++
		case p < len(pattern) && pattern[p] == key[k]:
			p++
			k++
		case star >= 0:
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
