package persistence

import (
	"bytes"
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	querycache "github.com/goliatone/go-object-cache/cache"
	"github.com/goliatone/go-object-cache/pkg/testsupport"
)

// spyQueryCache is a map backed query cache that counts fetches.
type spyQueryCache struct {
	mu       sync.Mutex
	entries  map[string][]int64
	fetches  int
	batches  [][]string
	prefixes []string
	// invalidateErr fails InvalidateKeys while set.
	invalidateErr error
}

func newSpyQueryCache() *spyQueryCache {
	return &spyQueryCache{entries: make(map[string][]int64)}
}

func (s *spyQueryCache) GetOrFetch(ctx context.Context, key string, fetchFn querycache.FetchFn) ([]int64, error) {
	s.mu.Lock()
	if ids, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return ids, nil
	}
	s.fetches++
	s.mu.Unlock()

	ids, err := fetchFn(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries[key] = ids
	s.mu.Unlock()
	return ids, nil
}

func (s *spyQueryCache) InvalidateKeys(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidateErr != nil {
		return s.invalidateErr
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.batches = append(s.batches, keys)
	return nil
}

func (s *spyQueryCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, prefix)
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *spyQueryCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *spyQueryCache) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type closingStore struct {
	*spyStore
	closed int
}

func (s *closingStore) Close() error {
	s.closed++
	return nil
}

func byTitle(title string) func(*Order) bool {
	return func(o *Order) bool { return o.Title == title }
}

func TestProvider_Store(t *testing.T) {
	p, s := newTestProvider(t, testConfig())
	ctx := context.Background()

	v, err := p.Store(ctx, &Order{Title: "a"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	proxy, ok := v.(*Proxy)
	if !ok {
		t.Fatalf("expected *Proxy, got %T", v)
	}

	again, err := p.Store(ctx, proxy)
	if err != nil || again != proxy {
		t.Errorf("expected a presented value back unchanged, got %v (%v)", again, err)
	}
	same, _ := p.Store(ctx, proxy.Source())
	if same != proxy {
		t.Error("expected storing the raw object again to return the same proxy")
	}
	if s.storeCount() != 1 {
		t.Errorf("expected a single store, got %d", s.storeCount())
	}

	if _, err := p.Store(ctx, nil); !IsTransientObject(err) {
		t.Errorf("expected TRANSIENT_OBJECT for nil, got %v", err)
	}
	if _, err := p.Store(ctx, "text"); !hasTextCode(err, TextCodeUnsupportedType) {
		t.Errorf("expected UNSUPPORTED_TYPE, got %v", err)
	}
}

func TestProvider_Query(t *testing.T) {
	p, _ := newTestProvider(t, testConfig())
	ctx := context.Background()
	a := storeOrder(t, p, &Order{Title: "a"})
	b1 := storeOrder(t, p, &Order{Title: "b"})
	b2 := storeOrder(t, p, &Order{Title: "b"})
	_, _ = p.Store(ctx, &Item{Name: "not an order"})

	tests := []struct {
		name  string
		match func(*Order) bool
		want  []*Proxy
	}{
		{name: "all", want: []*Proxy{a, b1, b2}},
		{name: "filtered", match: byTitle("b"), want: []*Proxy{b1, b2}},
		{name: "none", match: byTitle("z"), want: []*Proxy{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Query(ctx, p, tt.match)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d results, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("result %d: expected %s, got another proxy", i, tt.name)
				}
			}
		})
	}

	if _, err := Query[Order](ctx, p, nil); !hasTextCode(err, TextCodeUnsupportedType) {
		t.Errorf("expected UNSUPPORTED_TYPE for a non pointer type, got %v", err)
	}
}

func TestProvider_Get(t *testing.T) {
	p, _ := newTestProvider(t, testConfig())
	ctx := context.Background()
	a := storeOrder(t, p, &Order{Title: "a"})
	storeOrder(t, p, &Order{Title: "b"})
	storeOrder(t, p, &Order{Title: "b"})

	got, err := Get(ctx, p, byTitle("a"))
	if err != nil || got != a {
		t.Errorf("expected the single match, got %v (%v)", got, err)
	}

	got, err = Get(ctx, p, byTitle("z"))
	if err != nil || got != nil {
		t.Errorf("expected nil for no match, got %v (%v)", got, err)
	}

	if _, err := Get(ctx, p, byTitle("b")); !IsMultipleResults(err) {
		t.Errorf("expected MULTIPLE_RESULTS, got %v", err)
	}
}

func TestProvider_QuerySkipsDeleted(t *testing.T) {
	p, _ := newTestProvider(t, testConfig())
	ctx := context.Background()
	a := storeOrder(t, p, &Order{Title: "a"})
	b := storeOrder(t, p, &Order{Title: "b"})

	if ok, err := p.Delete(ctx, a); !ok || err != nil {
		t.Fatalf("delete: %v, %v", ok, err)
	}

	got, err := Query[*Order](ctx, p, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 1 || got[0] != b {
		t.Errorf("expected only the remaining order, got %d results", len(got))
	}
}

func TestProvider_QueryCache(t *testing.T) {
	qc := newSpyQueryCache()
	p, _ := newTestProvider(t, testConfig(), WithQueryCache(qc, nil))
	ctx := context.Background()
	a := storeOrder(t, p, &Order{Title: "a"})
	storeOrder(t, p, &Order{Title: "b"})

	keyed := WithQueryKey(ctx, "title", "a")
	for i := 0; i < 2; i++ {
		got, err := Query(keyed, p, byTitle("a"))
		if err != nil || len(got) != 1 || got[0] != a {
			t.Fatalf("query %d: expected a, got %d results (%v)", i, len(got), err)
		}
	}
	if qc.fetchCount() != 1 {
		t.Errorf("expected a cache hit on the second keyed query, got %d fetches", qc.fetchCount())
	}

	if _, err := Query(ctx, p, byTitle("a")); err != nil {
		t.Fatalf("unkeyed query: %v", err)
	}
	if qc.fetchCount() != 1 {
		t.Error("expected an unkeyed predicate to bypass the cache")
	}

	for i := 0; i < 2; i++ {
		if _, err := Query[*Order](ctx, p, nil); err != nil {
			t.Fatalf("unfiltered query: %v", err)
		}
	}
	if qc.fetchCount() != 2 {
		t.Errorf("expected unfiltered queries to be cached by type, got %d fetches", qc.fetchCount())
	}

	err := p.WithLock(ctx, []any{a}, func(ctx context.Context) error {
		return a.Set(ctx, "Title", "renamed")
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Query(keyed, p, byTitle("a"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected a write to invalidate cached results, got %d", len(got))
	}
	if qc.fetchCount() != 3 {
		t.Errorf("expected a fresh fetch after the write, got %d fetches", qc.fetchCount())
	}

	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("expected flush to drop results of older generations, %d left", qc.Len())
	}
	if len(qc.batches) != 1 || len(qc.batches[0]) != 3 {
		t.Errorf("expected the 3 stale keys in one invalidation, got %v", qc.batches)
	}
	if p.Stats().Queries != 0 {
		t.Errorf("expected stats to report no cached queries, got %d", p.Stats().Queries)
	}
}

func TestProvider_StaleQueryInvalidationFailure(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	qc := newSpyQueryCache()
	qc.invalidateErr = errors.New("cache unavailable", errors.CategoryExternal)
	p, _ := newTestProvider(t, cfg, WithQueryCache(qc, nil))
	ctx := context.Background()
	a := storeOrder(t, p, &Order{Title: "a"})

	if _, err := Query[*Order](ctx, p, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	err := p.WithLock(ctx, []any{a}, func(ctx context.Context) error {
		return a.Set(ctx, "Qty", 2)
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.Contains(logs.String(), "dropping stale query results failed") {
		t.Errorf("expected the failed invalidation to be logged, got %q", logs.String())
	}
	if qc.Len() != 1 {
		t.Errorf("expected the stale result to stay cached, got %d", qc.Len())
	}

	qc.mu.Lock()
	qc.invalidateErr = nil
	qc.mu.Unlock()
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("expected the next flush to retry the invalidation, %d left", qc.Len())
	}
}

func TestProvider_CloseDropsQueryResults(t *testing.T) {
	qc := newSpyQueryCache()
	p, _ := newTestProvider(t, testConfig(), WithQueryCache(qc, nil))
	ctx := context.Background()
	storeOrder(t, p, &Order{Title: "a"})

	if _, err := Query[*Order](ctx, p, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if qc.Len() != 1 {
		t.Fatalf("expected a cached result, got %d", qc.Len())
	}

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("expected close to drop cached results, %d left", qc.Len())
	}
	if len(qc.prefixes) != 1 || qc.prefixes[0] != "query:" {
		t.Errorf("expected one prefix delete for query keys, got %v", qc.prefixes)
	}
}

func TestProvider_FlushLoop(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	p, s := newTestProvider(t, cfg)
	order := storeOrder(t, p, &Order{})

	err := p.WithLock(context.Background(), []any{order}, func(ctx context.Context) error {
		return order.Set(ctx, "Qty", 9)
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	testsupport.Eventually(t, time.Second, func() bool {
		return !order.Wrapper().Dirty() && p.Stats().Flushes > 0
	}, "periodic flush wrote the order back")

	if s.storeCount() < 2 {
		t.Errorf("expected the write back to reach the store, got %d stores", s.storeCount())
	}
}

func TestProvider_Close(t *testing.T) {
	s := &closingStore{spyStore: newSpyStore()}
	p, err := NewProvider(s, testConfig())
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	ctx := context.Background()

	v, _ := p.Store(ctx, &Order{})
	order := v.(*Proxy)
	set, _ := p.Lock(ctx, order)
	_ = order.Set(set.Context(), "Qty", 1)
	set.Release()

	if err := p.Close(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Wrapper().Dirty() {
		t.Error("expected close to flush pending writes")
	}
	if s.closed != 1 {
		t.Errorf("expected the store to be closed once, got %d", s.closed)
	}

	if err := p.Close(ctx); err != nil {
		t.Errorf("expected a second close to be a no-op, got %v", err)
	}
	if s.closed != 1 {
		t.Errorf("expected the store to stay closed once, got %d", s.closed)
	}

	if _, err := p.Store(ctx, &Order{}); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("expected ErrProviderClosed, got %v", err)
	}
	if _, err := p.Flush(ctx); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("expected ErrProviderClosed from flush, got %v", err)
	}
	if _, err := Query[*Order](ctx, p, nil); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("expected ErrProviderClosed from query, got %v", err)
	}
}

func TestProvider_Stats(t *testing.T) {
	p, _ := newTestProvider(t, testConfig())
	ctx := context.Background()
	order := storeOrder(t, p, &Order{Item: &Item{}})

	err := p.WithLock(ctx, []any{order}, func(ctx context.Context) error {
		return order.Set(ctx, "Qty", 1)
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := p.Stats()
	if stats.Cached != 1 {
		t.Errorf("expected the order cached, got %d", stats.Cached)
	}
	if stats.Flushes != 1 {
		t.Errorf("expected 1 flush, got %d", stats.Flushes)
	}
	if stats.LastFlush.Flushed != 1 {
		t.Errorf("expected the last flush to report 1 write back, got %d", stats.LastFlush.Flushed)
	}
	if stats.Generation == 0 {
		t.Error("expected a non zero generation")
	}
}

func TestProvider_Register(t *testing.T) {
	p, _ := newTestProvider(t, testConfig())

	if err := p.Register(&Order{}, &Item{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	info := p.Cache().types.resolve(reflect.TypeFor[*Order]())
	if info.kind != KindEntity {
		t.Errorf("expected order to resolve as an entity, got %s", info.kind)
	}
}
