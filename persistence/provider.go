package persistence

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	querycache "github.com/goliatone/go-object-cache/cache"
	"github.com/puzpuzpuz/xsync/v3"
)

// queryKeyPrefix starts every query result key.
const queryKeyPrefix = "query:"

// ErrProviderClosed is returned by every operation after Close.
var ErrProviderClosed = errors.New("persistence provider is closed", errors.CategoryOperation).
	WithTextCode("PROVIDER_CLOSED")

// Stats is a snapshot of provider activity.
type Stats struct {
	Cached       int
	Generation   uint64
	Flushes      int64
	LockFailures int64
	Queries      int
	LastFlush    FlushStats
}

// Option configures a Provider.
type Option func(*Provider)

// WithQueryCache caches query results in qc, keyed with keys. Only queries
// without a predicate, or run with a context from WithQueryKey, are cached.
func WithQueryCache(qc querycache.QueryCache, keys querycache.KeySerializer) Option {
	return func(p *Provider) {
		p.queries = qc
		p.keys = keys
		if p.keys == nil {
			p.keys = querycache.NewDefaultKeySerializer()
		}
	}
}

// Provider is the application facing surface: storing, fetching, querying,
// locking, deleting and flushing persistent objects.
type Provider struct {
	store  Store
	cache  *Cache
	locks  *lockCoordinator
	cfg    Config
	logger *slog.Logger

	queries querycache.QueryCache
	keys    querycache.KeySerializer
	// issued maps query keys to the generation they were issued for.
	issued *xsync.MapOf[string, uint64]

	// flushMu serializes flushes, explicit or periodic.
	flushMu   sync.Mutex
	flushes   *xsync.Counter
	lastFlush FlushStats

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvider creates a provider over store and starts the flush loop when
// cfg.FlushInterval is positive.
func NewProvider(store Store, cfg Config, opts ...Option) (*Provider, error) {
	c, err := NewCache(store, cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		store:   store,
		cache:   c,
		locks:   newLockCoordinator(cfg),
		cfg:     cfg,
		logger:  cfg.logger(),
		issued:  xsync.NewMapOf[string, uint64](),
		flushes: xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.FlushInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.flushLoop(ctx)
	}
	return p, nil
}

// Cache returns the underlying persistence cache.
func (p *Provider) Cache() *Cache { return p.cache }

// Register declares the types the application persists. The store learns
// their names so rows can be decoded before any instance was stored.
func (p *Provider) Register(samples ...any) error {
	if r, ok := p.store.(interface{ Register(...any) error }); ok {
		if err := r.Register(samples...); err != nil {
			return err
		}
	}
	for _, sample := range samples {
		t, ok := sample.(reflect.Type)
		if !ok {
			t = reflect.TypeOf(sample)
		}
		p.cache.types.resolve(t)
	}
	return nil
}

// Store persists a transient object graph and returns its presented form.
// Presented values are returned unchanged.
func (p *Provider) Store(ctx context.Context, entity any) (any, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if pv, ok := entity.(Persistent); ok && !isNil(entity) {
		return pv.Wrapper().Presented(), nil
	}
	if isNil(entity) {
		return nil, transientObject("store", entity)
	}
	return p.cache.Presented(ctx, entity)
}

// Lock acquires the write locks of every entity, all or nothing. Writes must
// use the context of the returned set; release it when done.
func (p *Provider) Lock(ctx context.Context, entities ...any) (*LockSet, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.locks.lock(ctx, entities)
}

// WithLock runs fn while holding the locks of every entity. fn receives
// the owner context to write with.
func (p *Provider) WithLock(ctx context.Context, entities []any, fn func(ctx context.Context) error) error {
	set, err := p.Lock(ctx, entities...)
	if err != nil {
		return err
	}
	defer set.Release()
	return fn(set.Context())
}

// Unlock releases the locks ctx's owner holds on entities.
func (p *Provider) Unlock(ctx context.Context, entities ...any) error {
	return p.locks.unlock(ctx, entities)
}

// Delete removes entity from the cache and the store.
func (p *Provider) Delete(ctx context.Context, entity any) (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	return p.cache.Delete(ctx, entity)
}

// DeleteMany removes every entity in a single commit.
func (p *Provider) DeleteMany(ctx context.Context, entities []any) (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	return p.cache.DeleteMany(ctx, entities)
}

// Flush writes dirty objects back, evicts idle ones and purges orphans.
func (p *Provider) Flush(ctx context.Context) (FlushStats, error) {
	if err := p.checkOpen(); err != nil {
		return FlushStats{}, err
	}
	return p.flush(ctx)
}

func (p *Provider) flush(ctx context.Context) (FlushStats, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	stats, err := p.cache.Flush(ctx)
	p.flushes.Inc()
	p.lastFlush = stats
	p.dropStaleQueries(ctx)
	return stats, err
}

// Stats returns a snapshot of provider activity.
func (p *Provider) Stats() Stats {
	p.flushMu.Lock()
	last := p.lastFlush
	p.flushMu.Unlock()

	s := Stats{
		Cached:       p.cache.Len(),
		Generation:   p.cache.Generation(),
		Flushes:      p.flushes.Value(),
		LockFailures: p.locks.Failures(),
		LastFlush:    last,
	}
	if p.queries != nil {
		s.Queries = p.queries.Len()
	}
	return s
}

// Close stops the flush loop, flushes once more and closes the store when
// it is closable. Close is safe to call multiple times.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	_, err := p.flush(ctx)
	if p.queries != nil {
		err = errors.Join(err, p.queries.DeleteByPrefix(ctx, queryKeyPrefix))
		p.issued.Clear()
	}
	if c, ok := p.store.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (p *Provider) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	return nil
}

func (p *Provider) flushLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.flush(ctx); err != nil && ctx.Err() == nil {
				attrs := append([]slog.Attr{slog.String("op", "flush")}, errors.ToSlogAttributes(err)...)
				p.logger.LogAttrs(ctx, slog.LevelError, "periodic flush failed", attrs...)
			}
		}
	}
}

// dropStaleQueries deletes cached results issued for older generations.
func (p *Provider) dropStaleQueries(ctx context.Context) {
	if p.queries == nil {
		return
	}
	current := p.cache.Generation()
	var stale []string
	p.issued.Range(func(key string, gen uint64) bool {
		if gen < current {
			stale = append(stale, key)
		}
		return true
	})
	if len(stale) == 0 {
		return
	}

	if err := p.queries.InvalidateKeys(ctx, stale); err != nil {
		attrs := append([]slog.Attr{slog.String("op", "drop_stale_queries"), slog.Int("keys", len(stale))},
			errors.ToSlogAttributes(err)...)
		p.logger.LogAttrs(ctx, slog.LevelWarn, "dropping stale query results failed", attrs...)
		return
	}
	for _, key := range stale {
		p.issued.Delete(key)
	}
}

// Get returns the single entity of type T matching match, or nil when none
// does. More than one match is a MULTIPLE_RESULTS error.
func Get[T any](ctx context.Context, p *Provider, match func(T) bool) (*Proxy, error) {
	found, err := Query(ctx, p, match)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, multipleResults(reflect.TypeFor[T](), len(found))
	}
}

// Query returns the presented entities of type T matching match, in
// identity order. A nil match selects every entity of the type. T is the
// stored pointer type; match sees the raw object under its read lock and
// must not modify it.
func Query[T any](ctx context.Context, p *Provider, match func(T) bool) ([]*Proxy, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	t := reflect.TypeFor[T]()
	info := p.cache.types.resolve(t)
	if info.kind != KindEntity {
		return nil, unsupportedType(t)
	}

	var pred func(any) bool
	if match != nil {
		pred = func(raw any) bool { return match(raw.(T)) }
	}
	ids, err := p.queryIDs(ctx, t, pred)
	if err != nil {
		return nil, err
	}

	out := make([]*Proxy, 0, len(ids))
	for _, id := range ids {
		w, err := p.cache.wrapperByID(ctx, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if proxy, ok := w.Presented().(*Proxy); ok {
			out = append(out, proxy)
		}
	}
	return out, nil
}

func (p *Provider) queryIDs(ctx context.Context, t reflect.Type, pred func(any) bool) ([]int64, error) {
	fetch := func(ctx context.Context) ([]int64, error) {
		ids, err := p.store.IDsOf(ctx, t)
		if err != nil {
			return nil, err
		}
		out := make([]int64, 0, len(ids))
		for _, id := range ids {
			if pred == nil {
				out = append(out, id)
				continue
			}
			w, err := p.cache.wrapperByID(ctx, id)
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			matched := false
			w.base().read(ctx, func() { matched = pred(w.Source()) })
			if matched {
				out = append(out, id)
			}
		}
		return out, nil
	}

	parts := queryKeyFromContext(ctx)
	if p.queries == nil || (pred != nil && parts == nil) {
		return fetch(ctx)
	}

	gen := p.cache.Generation()
	key := p.keys.SerializeKey(queryKeyPrefix+t.String(), append([]any{gen}, parts...)...)
	p.issued.Store(key, gen)
	return p.queries.GetOrFetch(ctx, key, fetch)
}
