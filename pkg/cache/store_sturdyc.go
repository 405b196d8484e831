package cache

import (
	"context"
	"errors"
	"time"

	"github.com/viccon/sturdyc"
)

// SturdycConfig configures the sharded in-process store.
type SturdycConfig struct {
	// Capacity is the maximum number of entries. Must be greater than 0.
	Capacity int
	// NumShards is the number of cache shards. Must be greater than 0.
	NumShards int
	// TTL applies to every entry; sturdyc does not support per-entry expiry.
	TTL time.Duration
	// EvictionPercentage of entries is evicted when the cache is full. Must be between 1 and 100.
	EvictionPercentage int
}

// DefaultSturdycConfig returns the defaults used when the config leaves fields unset.
func DefaultSturdycConfig() SturdycConfig {
	return SturdycConfig{
		Capacity:           10000,
		NumShards:          64,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
	}
}

// Validate checks the configuration values.
func (c SturdycConfig) Validate() error {
	switch {
	case c.Capacity <= 0:
		return errors.New("sturdyc capacity must be greater than 0")
	case c.NumShards <= 0:
		return errors.New("sturdyc shards must be greater than 0")
	case c.TTL <= 0:
		return errors.New("sturdyc ttl must be greater than 0")
	case c.EvictionPercentage < 1 || c.EvictionPercentage > 100:
		return errors.New("sturdyc eviction percentage must be between 1 and 100")
	}
	return nil
}

// SturdycStore keeps entries in a sturdyc sharded client.
type SturdycStore struct {
	client *sturdyc.Client[[]byte]
}

// NewSturdycStore creates a sturdyc-backed store.
func NewSturdycStore(cfg SturdycConfig) (*SturdycStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := sturdyc.New[[]byte](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage)
	return &SturdycStore{client: client}, nil
}

// Get loads a key.
func (s *SturdycStore) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := s.client.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte{}, value...), nil
}

// Set stores a key with the client-wide TTL; ttl is ignored.
func (s *SturdycStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.client.Set(key, append([]byte{}, value...))
	return nil
}

// Clean removes the keys matching pattern.
func (s *SturdycStore) Clean(_ context.Context, pattern string) (int, error) {
	removed := 0
	for _, key := range s.client.ScanKeys() {
		if Match(pattern, key) {
			s.client.Delete(key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op, sturdyc has nothing to release.
func (s *SturdycStore) Close() error {
	return nil
}
