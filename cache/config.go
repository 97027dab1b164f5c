package cache

import (
	"context"
	"time"

	"github.com/goliatone/go-object-cache/internal/cacheinfra"
)

// Config exposes query cache configuration options.
type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	EvictionInterval   time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return c.toInternal().Validate()
}

// NewQueryCache constructs the sturdyc backed query cache.
func NewQueryCache(cfg Config) (QueryCache, error) {
	svc, err := cacheinfra.NewSturdycService(cfg.toInternal())
	if err != nil {
		return nil, err
	}
	return &sturdycQueryCache{svc: svc}, nil
}

type sturdycQueryCache struct {
	svc *cacheinfra.SturdycService
}

func (q *sturdycQueryCache) GetOrFetch(ctx context.Context, key string, fetchFn FetchFn) ([]int64, error) {
	return q.svc.GetOrFetch(ctx, key, fetchFn)
}

func (q *sturdycQueryCache) InvalidateKeys(ctx context.Context, keys []string) error {
	return q.svc.InvalidateKeys(ctx, keys)
}

func (q *sturdycQueryCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	return q.svc.DeleteByPrefix(ctx, prefix)
}

func (q *sturdycQueryCache) Len() int {
	return q.svc.Len()
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		TTL:                cfg.TTL,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}
