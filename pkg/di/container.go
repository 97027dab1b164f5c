package di

import (
	"context"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-object-cache/cache"
	"github.com/goliatone/go-object-cache/persistence"
	"github.com/goliatone/go-object-cache/store"
)

// Config groups the settings of every component the container builds.
type Config struct {
	Store       store.Config
	Persistence persistence.Config
	// QueryCache enables query result caching when set.
	QueryCache *cache.Config
}

// DefaultConfig returns an in-memory store, default persistence settings
// and a query cache with default settings.
func DefaultConfig() Config {
	qc := cache.DefaultConfig()
	return Config{
		Store:       store.DefaultConfig(),
		Persistence: persistence.DefaultConfig(),
		QueryCache:  &qc,
	}
}

// Container provides dependency injection for the persistence stack.
// It owns the object store, the provider in front of it and, when
// configured, the query cache and the key serializer the provider uses.
type Container struct {
	store         *store.ObjectStore
	provider      *persistence.Provider
	queryCache    cache.QueryCache
	keySerializer cache.KeySerializer
	config        Config
}

// NewContainer opens the store and wires the provider on top of it. The
// store is closed again if any later step fails.
func NewContainer(ctx context.Context, config Config) (*Container, error) {
	s, err := store.Open(ctx, config.Store)
	if err != nil {
		return nil, err
	}

	c := &Container{
		store:         s,
		keySerializer: cache.NewDefaultKeySerializer(),
		config:        config,
	}

	var opts []persistence.Option
	if config.QueryCache != nil {
		qc, err := cache.NewQueryCache(*config.QueryCache)
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
		c.queryCache = qc
		opts = append(opts, persistence.WithQueryCache(qc, c.keySerializer))
	}

	provider, err := persistence.NewProvider(s, config.Persistence, opts...)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	c.provider = provider
	return c, nil
}

// NewContainerWithDefaults creates a container from DefaultConfig.
func NewContainerWithDefaults(ctx context.Context) (*Container, error) {
	return NewContainer(ctx, DefaultConfig())
}

// Provider returns the singleton persistence provider.
func (c *Container) Provider() *persistence.Provider {
	return c.provider
}

// Store returns the underlying object store for advanced use cases.
func (c *Container) Store() *store.ObjectStore {
	return c.store
}

// QueryCache returns the query cache, or nil when caching is disabled.
func (c *Container) QueryCache() cache.QueryCache {
	return c.queryCache
}

// KeySerializer returns the key serializer used for query cache keys.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config {
	return c.config
}

// Close flushes pending changes and closes the provider and the store.
func (c *Container) Close(ctx context.Context) error {
	return c.provider.Close(ctx)
}
